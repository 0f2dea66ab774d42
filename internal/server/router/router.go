// Package router is the relay's MessageRouter.
//
// Every envelope is checked in a fixed order before anything is stored:
// the sender must be the authenticated session, the timestamp must lie in
// the skew window, the nonce must be 24 bytes, the sender's signing key
// must verify the canonical signature, and the recipient must exist.
// Accepted envelopes are always written to the recipient's offline queue
// and also pushed to a live connection if there is one. Entries leave the
// queue when the recipient acks them on fetch_pending, when the recipient
// sends a delivered receipt for them, or after the retention window.
package router

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gopkg.in/op/go-logging.v1"

	"whisper/internal/crypto"
	"whisper/internal/dedup"
	"whisper/internal/domain"
	"whisper/internal/metrics"
	"whisper/internal/protocol/canonical"
	"whisper/internal/protocol/envelope"
	"whisper/internal/protocol/wire"
	"whisper/internal/util/ratelimit"
)

const (
	DefaultSkew      = 10 * time.Minute
	DefaultRetention = 72 * time.Hour

	DefaultFetchLimit = 50
	MaxFetchLimit     = 100
)

// Pending is the offline queue.
type Pending interface {
	PutPending(recipient domain.WhisperID, env domain.SignedEnvelope, now int64) (uint64, bool, error)
	ListPending(recipient domain.WhisperID, after uint64, limit int) ([]domain.PendingMessage, bool, error)
	AckPending(recipient domain.WhisperID, ids []string) (int, error)
	DeletePendingMessage(recipient domain.WhisperID, messageID string) (int, error)
	SweepPending(cutoff int64) (int, error)
}

// Deliverer pushes a frame to a live connection. It reports false when
// the user has none.
type Deliverer interface {
	Deliver(to domain.WhisperID, m wire.Message) bool
}

// Router validates, stores and fans out envelopes.
type Router struct {
	keys    domain.KeyDirectory
	pending Pending
	live    Deliverer
	dedup   *dedup.Deduper
	limiter *ratelimit.Limiter
	metrics *metrics.Relay
	log     *logging.Logger

	now       func() time.Time
	skew      time.Duration
	retention time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithSkew sets the accepted clock skew.
func WithSkew(d time.Duration) Option { return func(r *Router) { r.skew = d } }

// WithRetention sets how long undelivered envelopes are kept.
func WithRetention(d time.Duration) Option { return func(r *Router) { r.retention = d } }

// WithLimiter rate limits senders.
func WithLimiter(l *ratelimit.Limiter) Option { return func(r *Router) { r.limiter = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

func New(
	keys domain.KeyDirectory,
	pending Pending,
	live Deliverer,
	dd *dedup.Deduper,
	m *metrics.Relay,
	log *logging.Logger,
	opts ...Option,
) *Router {
	r := &Router{
		keys:      keys,
		pending:   pending,
		live:      live,
		dedup:     dd,
		metrics:   m,
		log:       log,
		now:       time.Now,
		skew:      DefaultSkew,
		retention: DefaultRetention,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Verify runs the envelope checks for an envelope sent by the
// authenticated user from.
func (r *Router) Verify(ctx context.Context, from domain.WhisperID, env domain.SignedEnvelope) error {
	if env.From != from {
		return domain.Errorf(domain.CodeAuthFailed, "envelope from %s on session of %s", env.From, from)
	}
	now := r.now().UnixMilli()
	if d := now - env.Timestamp; d > r.skew.Milliseconds() || -d > r.skew.Milliseconds() {
		return domain.Errorf(domain.CodeInvalidTimestamp, "timestamp %d outside skew window", env.Timestamp)
	}
	if len(env.Nonce) != crypto.NonceSize {
		return domain.Errorf(domain.CodeInvalidPayload, "nonce must be %d bytes", crypto.NonceSize)
	}
	sender, err := r.keys.PeerKeys(ctx, from)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Errorf(domain.CodeAuthFailed, "unknown sender %s", from)
		}
		return err
	}
	_, sign, err := envelope.Keys(sender)
	if err != nil {
		return err
	}
	if err := canonical.Verify(env, sign); err != nil {
		return err
	}
	if _, err := r.keys.PeerKeys(ctx, env.To); err != nil {
		return err
	}
	return nil
}

// Route accepts a send_message or delivery_receipt from the authenticated
// user from.
func (r *Router) Route(ctx context.Context, from domain.WhisperID, frameType string, env domain.SignedEnvelope) (wire.MessageAccepted, error) {
	if err := checkType(frameType, env.MessageType); err != nil {
		return wire.MessageAccepted{}, err
	}
	if err := r.Verify(ctx, from, env); err != nil {
		return wire.MessageAccepted{}, err
	}
	if !r.limiter.Allow(string(from), r.now()) {
		return wire.MessageAccepted{}, domain.Errorf(domain.CodeRateLimited, "slow down")
	}

	scope := string(from) + "/" + env.MessageType
	if r.dedup.IsDuplicate(env.MessageID, scope) {
		r.log.Debugf("replayed %s %s from %s", env.MessageType, env.MessageID, from)
		return wire.MessageAccepted{MessageID: env.MessageID, Status: wire.AcceptedStored}, nil
	}

	if env.MessageType == domain.MessageTypeDelivered {
		// The receipt's sender is the original recipient; it has the
		// message, so its queued copy can go.
		if _, err := r.pending.DeletePendingMessage(from, env.MessageID); err != nil {
			r.log.Warningf("clear pending %s for %s: %v", env.MessageID, from, err)
		}
	}

	_, added, err := r.pending.PutPending(env.To, env, r.now().UnixMilli())
	if err != nil {
		return wire.MessageAccepted{}, domain.Wrap(domain.CodeInternal, err)
	}
	r.dedup.MarkProcessed(env.MessageID, scope)
	if !added {
		// Still queued from an earlier send the cache no longer remembers.
		r.log.Debugf("replayed %s %s from %s, already queued", env.MessageType, env.MessageID, from)
		return wire.MessageAccepted{MessageID: env.MessageID, Status: wire.AcceptedStored}, nil
	}

	var out wire.Message = wire.MessageReceived{SignedEnvelope: env}
	if frameType == wire.TypeDeliveryReceipt {
		out = wire.DeliveryReceipt{SignedEnvelope: env}
	}
	status := wire.AcceptedStored
	if r.live.Deliver(env.To, out) {
		status = wire.AcceptedDelivered
	}
	r.metrics.Delivered.WithLabelValues(status).Inc()
	return wire.MessageAccepted{MessageID: env.MessageID, Status: status}, nil
}

// Fetch applies the request's acks, then returns the next page after its
// cursor.
func (r *Router) Fetch(_ context.Context, id domain.WhisperID, req wire.FetchPending) (wire.PendingMessages, error) {
	if len(req.Ack) > 0 {
		if _, err := r.pending.AckPending(id, req.Ack); err != nil {
			return wire.PendingMessages{}, domain.Wrap(domain.CodeInternal, err)
		}
	}

	var after uint64
	if req.Cursor != "" {
		c, err := strconv.ParseUint(req.Cursor, 10, 64)
		if err != nil {
			return wire.PendingMessages{}, domain.Errorf(domain.CodeInvalidPayload, "bad cursor")
		}
		after = c
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = DefaultFetchLimit
	case limit > MaxFetchLimit:
		limit = MaxFetchLimit
	}

	page, more, err := r.pending.ListPending(id, after, limit)
	if err != nil {
		return wire.PendingMessages{}, domain.Wrap(domain.CodeInternal, err)
	}
	out := wire.PendingMessages{Messages: make([]domain.SignedEnvelope, 0, len(page))}
	for _, pm := range page {
		out.Messages = append(out.Messages, pm.Envelope)
	}
	if more {
		out.NextCursor = strconv.FormatUint(page[len(page)-1].Seq, 10)
	}
	return out, nil
}

// Sweep deletes queued envelopes older than the retention window.
func (r *Router) Sweep() (int, error) {
	n, err := r.pending.SweepPending(r.now().Add(-r.retention).UnixMilli())
	if n > 0 {
		r.metrics.PendingExpired.Add(float64(n))
		r.log.Infof("expired %d pending envelopes", n)
	}
	return n, err
}

func checkType(frameType, messageType string) error {
	switch frameType {
	case wire.TypeSendMessage:
		if messageType == domain.MessageTypeChat {
			return nil
		}
	case wire.TypeDeliveryReceipt:
		if messageType == domain.MessageTypeDelivered || messageType == domain.MessageTypeRead {
			return nil
		}
	}
	return domain.Errorf(domain.CodeInvalidPayload, "messageType %q not allowed in %s", messageType, frameType)
}
