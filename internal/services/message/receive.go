package message

import (
	"context"
	"errors"
	"time"

	"whisper/internal/domain"
	"whisper/internal/protocol/envelope"
	"whisper/internal/protocol/wire"
)

// Receive applies one inbound envelope. It returns true when the envelope
// changed local state and false for a duplicate. Signature and decryption
// failures are returned as-is and leave nothing behind.
//
// Order: dedup cache, durable store lookup, verify, decrypt, persist (with
// counters), mark processed, queue the delivered receipt.
func (s *Service) Receive(ctx context.Context, env domain.SignedEnvelope) (bool, error) {
	id, err := s.identity()
	if err != nil {
		return false, err
	}
	if env.To != id.WhisperID {
		return false, domain.Errorf(domain.CodeForbidden, "envelope %s addressed to %s", env.MessageID, env.To)
	}

	scope := dedupScope(env)
	if s.dedup.IsDuplicate(env.MessageID, scope) {
		return false, nil
	}

	switch env.MessageType {
	case domain.MessageTypeChat:
		return s.receiveChat(ctx, id, env, scope)
	case domain.MessageTypeDelivered, domain.MessageTypeRead:
		return s.receiveReceipt(ctx, id, env, scope)
	}
	return false, domain.Errorf(domain.CodeInvalidPayload, "unknown messageType %q", env.MessageType)
}

func (s *Service) receiveChat(ctx context.Context, id domain.Identity, env domain.SignedEnvelope, scope string) (bool, error) {
	conv := domain.ConversationID(env.From)
	have, err := s.store.HasMessage(conv, env.MessageID)
	if err != nil {
		return false, err
	}
	if have {
		s.dedup.MarkProcessed(env.MessageID, scope)
		return false, nil
	}

	peer, err := s.keys.PeerKeys(ctx, env.From)
	if err != nil {
		return false, err
	}
	var content domain.MessageContent
	if err := envelope.Open(id, peer, env, &content); err != nil {
		s.log.Warningf("message %s from %s rejected: %v", env.MessageID, env.From, err)
		return false, err
	}

	msg := domain.StoredMessage{
		ConversationID: conv,
		MessageID:      env.MessageID,
		From:           env.From,
		To:             env.To,
		Timestamp:      env.Timestamp,
		Direction:      domain.DirectionIn,
		Status:         domain.StatusDelivered,
		Content:        content,
	}
	inserted, err := s.store.SaveInbound(msg)
	if err != nil {
		return false, err
	}
	s.dedup.MarkProcessed(env.MessageID, scope)
	if !inserted {
		return false, nil
	}

	if err := s.queueReceipt(ctx, env.From, env.MessageID, domain.MessageTypeDelivered); err != nil {
		s.log.Warningf("message %s: queue delivered receipt: %v", env.MessageID, err)
	}
	s.mu.Lock()
	subs := append(([]func(domain.StoredMessage))(nil), s.onMessage...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
	return true, nil
}

func (s *Service) receiveReceipt(ctx context.Context, id domain.Identity, env domain.SignedEnvelope, scope string) (bool, error) {
	peer, err := s.keys.PeerKeys(ctx, env.From)
	if err != nil {
		return false, err
	}
	var r domain.Receipt
	if err := envelope.Open(id, peer, env, &r); err != nil {
		return false, err
	}
	if r.Status != env.MessageType {
		return false, domain.Errorf(domain.CodeInvalidPayload, "receipt status %q in %s envelope", r.Status, env.MessageType)
	}

	conv := domain.ConversationID(env.From)
	err = s.store.UpdateStatus(conv, env.MessageID, r.Status)
	if errors.Is(err, domain.ErrNotFound) {
		// Receipt for a message this device never sent; nothing to update.
		s.dedup.MarkProcessed(env.MessageID, scope)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.dedup.MarkProcessed(env.MessageID, scope)

	ev := ReceiptEvent{ConversationID: conv, MessageID: env.MessageID, Status: r.Status}
	s.mu.Lock()
	subs := append(([]func(ReceiptEvent))(nil), s.onReceipt...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
	return true, nil
}

// HandleFrame is a relay.Handler for live message_received and
// delivery_receipt frames.
func (s *Service) HandleFrame(f wire.Frame) {
	if f.Type != wire.TypeMessageReceived && f.Type != wire.TypeDeliveryReceipt {
		return
	}
	m, err := f.Decode()
	if err != nil {
		s.log.Warningf("dropping %s: %v", f.Type, err)
		return
	}
	var env domain.SignedEnvelope
	switch v := m.(type) {
	case wire.MessageReceived:
		env = v.SignedEnvelope
	case wire.DeliveryReceipt:
		env = v.SignedEnvelope
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.Receive(ctx, env); err != nil {
		s.log.Warningf("live %s %s: %v", f.Type, env.MessageID, err)
	}
}

// FetchPending drains the relay's offline queue for this account and
// returns how many envelopes changed local state. Every envelope that was
// applied, was a duplicate, or can never verify is acknowledged on the
// next request so the relay deletes it; anything that failed for a
// transient reason stays queued for the next fetch.
func (s *Service) FetchPending(ctx context.Context) (int, error) {
	s.fetchMutex.Lock()
	defer s.fetchMutex.Unlock()

	applied := 0
	cursor := ""
	var ack []string
	for {
		token := s.session.SessionToken()
		if token == "" {
			return applied, domain.Errorf(domain.CodeAuthFailed, "no session")
		}
		f, err := s.link.Request(ctx, wire.FetchPending{
			SessionToken: token,
			Cursor:       cursor,
			Limit:        s.pageSize,
			Ack:          ack,
		})
		if err != nil {
			return applied, err
		}
		page, err := decodePending(f)
		if err != nil {
			return applied, err
		}

		ack = nil
		for _, env := range page.Messages {
			ok, err := s.Receive(ctx, env)
			switch {
			case err == nil:
				if ok {
					applied++
				}
				ack = append(ack, env.MessageID)
			case isPermanent(err):
				s.log.Warningf("dropping pending %s from %s: %v", env.MessageID, env.From, err)
				ack = append(ack, env.MessageID)
			default:
				s.log.Infof("pending %s kept for later: %v", env.MessageID, err)
			}
		}

		switch {
		case page.NextCursor != "":
			cursor = page.NextCursor
		case len(ack) > 0:
			// End of backlog, but the last page still needs acknowledging.
			// The relay deletes acked ids before listing, so each pass
			// shrinks the queue.
			cursor = ""
		default:
			return applied, nil
		}
	}
}

func decodePending(f wire.Frame) (wire.PendingMessages, error) {
	m, err := f.Decode()
	if err != nil {
		return wire.PendingMessages{}, err
	}
	p, ok := m.(wire.PendingMessages)
	if !ok {
		return wire.PendingMessages{}, domain.Errorf(domain.CodeInvalidPayload, "unexpected %s", f.Type)
	}
	return p, nil
}

// isPermanent reports errors that no amount of redelivery will fix.
func isPermanent(err error) bool {
	switch domain.CodeOf(err) {
	case domain.CodeSignatureFailed, domain.CodeDecryptionFailed, domain.CodeInvalidPayload, domain.CodeForbidden:
		return true
	}
	return false
}

func dedupScope(env domain.SignedEnvelope) string {
	return string(env.From) + "/" + env.MessageType
}
