package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"whisper/internal/crypto"
	"whisper/internal/dedup"
	"whisper/internal/domain"
	"whisper/internal/protocol/api"
	"whisper/internal/protocol/envelope"
	"whisper/internal/protocol/wire"
)

const (
	// DefaultPageSize is the fetch_pending page size.
	DefaultPageSize = 50
)

// Link is the relay connection.
type Link interface {
	Send(ctx context.Context, m wire.Message) error
	Request(ctx context.Context, m wire.Message) (wire.Frame, error)
}

// Session exposes the signed-in identity and current session token.
type Session interface {
	Identity() (domain.Identity, bool)
	SessionToken() string
}

// Outbox is where outgoing envelopes are queued.
type Outbox interface {
	Enqueue(conv domain.ConversationID, frameType string, env domain.SignedEnvelope) (domain.OutboxItem, error)
}

// Blobs moves encrypted attachment bodies to and from the object store.
type Blobs interface {
	PresignUpload(ctx context.Context, contentType string, size int64) (api.Presigned, error)
	Upload(ctx context.Context, p api.Presigned, body []byte) error
	PresignDownload(ctx context.Context, objectKey string) (api.Presigned, error)
	Download(ctx context.Context, p api.Presigned) ([]byte, error)
}

// ReceiptEvent reports a delivered/read receipt applied to an outgoing
// message.
type ReceiptEvent struct {
	ConversationID domain.ConversationID
	MessageID      string
	Status         string
}

// Service sends and receives chat messages and receipts.
//
// Send seals the content to the peer, signs the envelope, stores the
// outgoing copy and queues it in the outbox. Receive verifies, decrypts and
// persists inbound envelopes; the message store, not the in-memory
// deduper, is the authority on whether a messageId was already applied.
type Service struct {
	session Session
	link    Link
	keys    domain.KeyDirectory
	store   domain.MessageStore
	outbox  Outbox
	dedup   *dedup.Deduper
	blobs   Blobs
	log     *logging.Logger
	now     func() time.Time

	pageSize int

	mu         sync.Mutex
	onMessage  []func(domain.StoredMessage)
	onReceipt  []func(ReceiptEvent)
	fetchMutex sync.Mutex
}

func New(
	session Session,
	link Link,
	keys domain.KeyDirectory,
	store domain.MessageStore,
	outbox Outbox,
	dd *dedup.Deduper,
	blobs Blobs,
	log *logging.Logger,
) *Service {
	return &Service{
		session:  session,
		link:     link,
		keys:     keys,
		store:    store,
		outbox:   outbox,
		dedup:    dd,
		blobs:    blobs,
		log:      log,
		now:      time.Now,
		pageSize: DefaultPageSize,
	}
}

// SetOutbox sets the outbox. The outbox itself needs the service as its
// transmitter, so one of the two is wired after construction.
func (s *Service) SetOutbox(o Outbox) { s.outbox = o }

// SetPageSize overrides the fetch_pending page size.
func (s *Service) SetPageSize(n int) {
	if n > 0 {
		s.pageSize = n
	}
}

// OnMessage subscribes fn to newly applied inbound messages.
func (s *Service) OnMessage(fn func(domain.StoredMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = append(s.onMessage, fn)
}

// OnReceipt subscribes fn to applied receipts.
func (s *Service) OnReceipt(fn func(ReceiptEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReceipt = append(s.onReceipt, fn)
}

// SendText queues a text message to peer.
func (s *Service) SendText(ctx context.Context, to domain.WhisperID, text, replyTo string) (domain.StoredMessage, error) {
	return s.Send(ctx, to, domain.MessageContent{Kind: domain.ContentText, Text: text, ReplyTo: replyTo})
}

// Send seals content for to and queues it.
func (s *Service) Send(ctx context.Context, to domain.WhisperID, content domain.MessageContent) (domain.StoredMessage, error) {
	id, err := s.identity()
	if err != nil {
		return domain.StoredMessage{}, err
	}
	peer, err := s.keys.PeerKeys(ctx, to)
	if err != nil {
		return domain.StoredMessage{}, fmt.Errorf("keys for %s: %w", to, err)
	}

	msg := domain.StoredMessage{
		ConversationID: domain.ConversationID(to),
		MessageID:      uuid.NewString(),
		From:           id.WhisperID,
		To:             to,
		Timestamp:      s.now().UnixMilli(),
		Direction:      domain.DirectionOut,
		Status:         domain.StatusPending,
		Content:        content,
	}
	env, err := envelope.Seal(id, peer, envelope.Header{
		MessageType: domain.MessageTypeChat,
		MessageID:   msg.MessageID,
		To:          to,
		Timestamp:   msg.Timestamp,
	}, content)
	if err != nil {
		return domain.StoredMessage{}, err
	}

	// Store first: the outbox may transmit before Enqueue returns.
	if err := s.store.SaveOutbound(msg); err != nil {
		return domain.StoredMessage{}, err
	}
	if _, err := s.outbox.Enqueue(msg.ConversationID, wire.TypeSendMessage, env); err != nil {
		return domain.StoredMessage{}, err
	}
	return msg, nil
}

// SendAttachment encrypts data under a fresh file key, uploads it and
// sends a message pointing at the blob.
func (s *Service) SendAttachment(
	ctx context.Context,
	to domain.WhisperID,
	kind, contentType, fileName string,
	data []byte,
) (domain.StoredMessage, error) {
	if len(data) == 0 || len(data) > api.MaxAttachmentBytes {
		return domain.StoredMessage{}, domain.Errorf(domain.CodeInvalidPayload, "attachment size %d out of range", len(data))
	}
	if !api.AllowedContentTypes[contentType] {
		return domain.StoredMessage{}, domain.Errorf(domain.CodeInvalidPayload, "content type %q not allowed", contentType)
	}
	id, err := s.identity()
	if err != nil {
		return domain.StoredMessage{}, err
	}
	peer, err := s.keys.PeerKeys(ctx, to)
	if err != nil {
		return domain.StoredMessage{}, err
	}
	enc, _, err := envelope.Keys(peer)
	if err != nil {
		return domain.StoredMessage{}, err
	}

	sealed, err := crypto.SealFile(data, enc, id.EncPrivateKey)
	if err != nil {
		return domain.StoredMessage{}, err
	}
	p, err := s.blobs.PresignUpload(ctx, contentType, int64(len(sealed.Ciphertext)))
	if err != nil {
		return domain.StoredMessage{}, fmt.Errorf("presign upload: %w", err)
	}
	if err := s.blobs.Upload(ctx, p, sealed.Ciphertext); err != nil {
		return domain.StoredMessage{}, fmt.Errorf("upload: %w", err)
	}

	return s.Send(ctx, to, domain.MessageContent{
		Kind: kind,
		Attachment: &domain.AttachmentPointer{
			ObjectKey:   p.ObjectKey,
			ContentType: contentType,
			Size:        int64(len(data)),
			Nonce:       sealed.Nonce,
			KeyNonce:    sealed.KeyNonce,
			KeyBox:      sealed.KeyBox,
			FileName:    fileName,
		},
	})
}

// FetchAttachment downloads and decrypts the attachment of an inbound
// message.
func (s *Service) FetchAttachment(ctx context.Context, msg domain.StoredMessage) ([]byte, error) {
	a := msg.Content.Attachment
	if a == nil {
		return nil, domain.Errorf(domain.CodeNotFound, "message %s has no attachment", msg.MessageID)
	}
	id, err := s.identity()
	if err != nil {
		return nil, err
	}
	peer, err := s.keys.PeerKeys(ctx, msg.From)
	if err != nil {
		return nil, err
	}
	enc, _, err := envelope.Keys(peer)
	if err != nil {
		return nil, err
	}
	p, err := s.blobs.PresignDownload(ctx, a.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("presign download: %w", err)
	}
	ct, err := s.blobs.Download(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	return crypto.OpenFile(crypto.SealedFile{
		Nonce:      a.Nonce,
		Ciphertext: ct,
		KeyNonce:   a.KeyNonce,
		KeyBox:     a.KeyBox,
	}, enc, id.EncPrivateKey)
}

// MarkRead resets the unread counter of the conversation with peer and
// sends a read receipt for every inbound message not yet read.
func (s *Service) MarkRead(ctx context.Context, peer domain.WhisperID) error {
	conv := domain.ConversationID(peer)
	msgs, err := s.store.ListMessages(conv)
	if err != nil {
		return err
	}
	if err := s.store.MarkRead(conv); err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Direction != domain.DirectionIn || m.Status == domain.StatusRead {
			continue
		}
		if err := s.store.UpdateStatus(conv, m.MessageID, domain.StatusRead); err != nil {
			return err
		}
		if err := s.queueReceipt(ctx, m.From, m.MessageID, domain.MessageTypeRead); err != nil {
			return err
		}
	}
	return nil
}

// Transmit implements outbox.Transmitter: it sends the item's frame and
// waits for message_accepted.
func (s *Service) Transmit(ctx context.Context, it domain.OutboxItem) error {
	token := s.session.SessionToken()
	if token == "" {
		// Not registered yet; retry once the transport has authenticated.
		return errors.New("no session token")
	}

	var m wire.Message
	switch it.FrameType {
	case wire.TypeSendMessage:
		m = wire.SendMessage{SessionToken: token, SignedEnvelope: it.Envelope}
	case wire.TypeDeliveryReceipt:
		m = wire.DeliveryReceipt{SessionToken: token, SignedEnvelope: it.Envelope}
	default:
		return domain.Errorf(domain.CodeInvalidPayload, "cannot transmit %q", it.FrameType)
	}

	f, err := s.link.Request(ctx, m)
	if err != nil {
		return err
	}
	resp, err := f.Decode()
	if err != nil {
		return err
	}
	ack, ok := resp.(wire.MessageAccepted)
	if !ok || ack.MessageID != it.Envelope.MessageID {
		return domain.Errorf(domain.CodeInvalidPayload, "unexpected %s in reply to %s", f.Type, it.Envelope.MessageID)
	}

	if it.FrameType == wire.TypeSendMessage {
		if err := s.store.UpdateStatus(it.ConversationID, it.Envelope.MessageID, domain.StatusSent); err != nil {
			s.log.Warningf("message %s: mark sent: %v", it.Envelope.MessageID, err)
		}
	}
	return nil
}

// OutboxFailed marks the chat message behind a parked outbox item as
// failed. Wire it to outbox.Queue.OnFailure.
func (s *Service) OutboxFailed(it domain.OutboxItem) {
	if it.FrameType != wire.TypeSendMessage {
		return
	}
	if err := s.store.UpdateStatus(it.ConversationID, it.Envelope.MessageID, domain.StatusFailed); err != nil {
		s.log.Warningf("message %s: mark failed: %v", it.Envelope.MessageID, err)
	}
}

func (s *Service) queueReceipt(ctx context.Context, to domain.WhisperID, messageID, status string) error {
	id, err := s.identity()
	if err != nil {
		return err
	}
	peer, err := s.keys.PeerKeys(ctx, to)
	if err != nil {
		return err
	}
	now := s.now().UnixMilli()
	env, err := envelope.Seal(id, peer, envelope.Header{
		MessageType: status,
		MessageID:   messageID,
		To:          to,
		Timestamp:   now,
	}, domain.Receipt{Status: status, At: now})
	if err != nil {
		return err
	}
	_, err = s.outbox.Enqueue(domain.ConversationID(to), wire.TypeDeliveryReceipt, env)
	return err
}

func (s *Service) identity() (domain.Identity, error) {
	id, ok := s.session.Identity()
	if !ok || id.WhisperID == "" {
		return domain.Identity{}, domain.Errorf(domain.CodeAuthFailed, "not registered")
	}
	return id, nil
}
