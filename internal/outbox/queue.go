// Package outbox implements the client's durable send queue.
//
// Every user send becomes one persisted item. Items of one conversation are
// transmitted strictly in enqueue order by a single goroutine; different
// conversations drain concurrently. A transport failure schedules a retry
// with exponential backoff, a terminal protocol error or an exhausted retry
// budget parks the item as failed. Failed items stay on disk and are
// reported to subscribers until the user retries or discards them.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"whisper/internal/domain"
	"whisper/internal/metrics"
)

// Transmitter sends one item and returns once the relay acknowledged it.
type Transmitter interface {
	Transmit(ctx context.Context, item domain.OutboxItem) error
}

// Queue is the outbox.
type Queue struct {
	store   domain.OutboxStore
	tx      Transmitter
	policy  Policy
	metrics *metrics.Outbox
	log     *logging.Logger
	now     func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	workers errgroup.Group

	mu        sync.Mutex
	running   map[domain.ConversationID]chan struct{}
	onFailure []func(domain.OutboxItem)
	onSent    []func(domain.OutboxItem)
}

var (
	// ErrNotFailed is returned by Retry for items that are not parked.
	ErrNotFailed = errors.New("outbox item is not in the failed state")
)

// New returns a stopped queue; call Start to resume persisted work.
func New(
	store domain.OutboxStore,
	tx Transmitter,
	policy Policy,
	m *metrics.Outbox,
	log *logging.Logger,
) *Queue {
	q := &Queue{
		store:   store,
		tx:      tx,
		policy:  policy,
		metrics: m,
		log:     log,
		now:     time.Now,
		running: make(map[domain.ConversationID]chan struct{}),
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// OnFailure subscribes fn to items that moved to the failed state.
func (q *Queue) OnFailure(fn func(domain.OutboxItem)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailure = append(q.onFailure, fn)
}

// OnSent subscribes fn to items the relay acknowledged.
func (q *Queue) OnSent(fn func(domain.OutboxItem)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onSent = append(q.onSent, fn)
}

// Start resets items interrupted mid-send to queued and starts draining
// every conversation that has pending work. A crash between transmit and
// ack therefore retransmits; the relay acknowledges duplicates without
// delivering them twice.
func (q *Queue) Start() error {
	items, err := q.store.ListOutboxItems()
	if err != nil {
		return err
	}
	convs := make(map[domain.ConversationID]struct{})
	for _, it := range items {
		if it.State == domain.OutboxSending {
			it.State = domain.OutboxQueued
			if err := q.store.UpdateOutboxItem(it); err != nil {
				return err
			}
		}
		if it.State == domain.OutboxQueued {
			convs[it.ConversationID] = struct{}{}
		}
	}
	q.refreshGauges()
	for c := range convs {
		q.kick(c)
	}
	return nil
}

// Stop halts all conversation workers. In-flight transmissions are
// cancelled and left to be retried on the next Start.
func (q *Queue) Stop() {
	q.cancel()
	_ = q.workers.Wait()
}

// Enqueue persists a new item for conv and schedules transmission.
func (q *Queue) Enqueue(
	conv domain.ConversationID,
	frameType string,
	env domain.SignedEnvelope,
) (domain.OutboxItem, error) {
	item, err := q.store.PutOutboxItem(domain.OutboxItem{
		LocalID:        uuid.NewString(),
		ConversationID: conv,
		FrameType:      frameType,
		Envelope:       env,
		State:          domain.OutboxQueued,
		CreatedAt:      q.now().UnixMilli(),
	})
	if err != nil {
		return domain.OutboxItem{}, err
	}
	q.metrics.Enqueued.Inc()
	q.refreshGauges()
	q.kick(conv)
	return item, nil
}

// Retry requeues a failed item with a fresh attempt budget.
func (q *Queue) Retry(localID string) error {
	it, err := q.find(localID)
	if err != nil {
		return err
	}
	if it.State != domain.OutboxFailed {
		return ErrNotFailed
	}
	it.State = domain.OutboxQueued
	it.Attempt = 0
	it.NextRetryAt = 0
	it.LastError = ""
	if err := q.store.UpdateOutboxItem(it); err != nil {
		return err
	}
	q.kick(it.ConversationID)
	return nil
}

// Discard removes an item the user gave up on.
func (q *Queue) Discard(localID string) error {
	if err := q.store.DeleteOutboxItem(localID); err != nil {
		return err
	}
	q.refreshGauges()
	return nil
}

// Failed lists the parked items.
func (q *Queue) Failed() ([]domain.OutboxItem, error) {
	items, err := q.store.ListOutboxItems()
	if err != nil {
		return nil, err
	}
	var out []domain.OutboxItem
	for _, it := range items {
		if it.State == domain.OutboxFailed {
			out = append(out, it)
		}
	}
	return out, nil
}

// Drain blocks until no conversation has queued work or ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		q.mu.Lock()
		idle := len(q.running) == 0
		q.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (q *Queue) kick(conv domain.ConversationID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.running[conv]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
		return
	}
	ch := make(chan struct{}, 1)
	q.running[conv] = ch
	q.workers.Go(func() error {
		q.drainConversation(conv, ch)
		return nil
	})
}

// drainConversation is the single writer for conv.
func (q *Queue) drainConversation(conv domain.ConversationID, kick chan struct{}) {
	for {
		head, ok, err := q.head(conv)
		if err != nil {
			q.log.Errorf("outbox %s: %v", conv, err)
		}
		if err != nil || !ok {
			if q.retire(conv, kick) {
				return
			}
			continue
		}

		if wait := time.UnixMilli(head.NextRetryAt).Sub(q.now()); head.NextRetryAt > 0 && wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-q.ctx.Done():
				t.Stop()
				return
			case <-kick:
				t.Stop()
				continue
			case <-t.C:
			}
		}

		q.transmit(head)

		select {
		case <-q.ctx.Done():
			return
		default:
		}
	}
}

// retire removes the worker for conv unless new work arrived meanwhile.
func (q *Queue) retire(conv domain.ConversationID, kick chan struct{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-kick:
		return false
	default:
	}
	delete(q.running, conv)
	return true
}

func (q *Queue) transmit(it domain.OutboxItem) {
	it.State = domain.OutboxSending
	if err := q.store.UpdateOutboxItem(it); err != nil {
		q.log.Errorf("outbox %s: mark sending: %v", it.LocalID, err)
		return
	}

	err := q.tx.Transmit(q.ctx, it)
	if q.ctx.Err() != nil {
		// Shutting down; Start will requeue the item.
		return
	}

	if err == nil {
		if derr := q.store.DeleteOutboxItem(it.LocalID); derr != nil {
			q.log.Errorf("outbox %s: delete: %v", it.LocalID, derr)
		}
		q.metrics.Sent.Inc()
		q.refreshGauges()
		q.log.Debugf("outbox %s: sent %s", it.LocalID, it.Envelope.MessageID)
		q.notify(q.sentSubscribers(), it)
		return
	}

	it.Attempt++
	it.LastError = err.Error()
	if !domain.IsRetryable(err) || q.policy.Exhausted(it.Attempt) {
		it.State = domain.OutboxFailed
		it.NextRetryAt = 0
		if uerr := q.store.UpdateOutboxItem(it); uerr != nil {
			q.log.Errorf("outbox %s: mark failed: %v", it.LocalID, uerr)
		}
		q.metrics.Failed.Inc()
		q.refreshGauges()
		q.log.Warningf("outbox %s: failed after %d attempts: %v", it.LocalID, it.Attempt, err)
		q.notify(q.failureSubscribers(), it)
		return
	}

	it.State = domain.OutboxQueued
	it.NextRetryAt = q.now().Add(q.policy.Delay(it.Attempt)).UnixMilli()
	if uerr := q.store.UpdateOutboxItem(it); uerr != nil {
		q.log.Errorf("outbox %s: schedule retry: %v", it.LocalID, uerr)
	}
	q.metrics.Retries.Inc()
	q.log.Infof("outbox %s: attempt %d failed, retrying: %v", it.LocalID, it.Attempt, err)
}

// head returns the oldest queued item of conv. Failed items do not block
// the items behind them.
func (q *Queue) head(conv domain.ConversationID) (domain.OutboxItem, bool, error) {
	items, err := q.store.ListOutboxItems()
	if err != nil {
		return domain.OutboxItem{}, false, err
	}
	for _, it := range items {
		if it.ConversationID == conv && it.State == domain.OutboxQueued {
			return it, true, nil
		}
	}
	return domain.OutboxItem{}, false, nil
}

func (q *Queue) find(localID string) (domain.OutboxItem, error) {
	items, err := q.store.ListOutboxItems()
	if err != nil {
		return domain.OutboxItem{}, err
	}
	for _, it := range items {
		if it.LocalID == localID {
			return it, nil
		}
	}
	return domain.OutboxItem{}, domain.Errorf(domain.CodeNotFound, "outbox item %s", localID)
}

func (q *Queue) refreshGauges() {
	items, err := q.store.ListOutboxItems()
	if err != nil {
		return
	}
	q.metrics.Depth.Set(float64(len(items)))
	var oldest int64
	for _, it := range items {
		if oldest == 0 || it.CreatedAt < oldest {
			oldest = it.CreatedAt
		}
	}
	if oldest == 0 {
		q.metrics.OldestItemAge.Set(0)
		return
	}
	q.metrics.OldestItemAge.Set(q.now().Sub(time.UnixMilli(oldest)).Seconds())
}

func (q *Queue) sentSubscribers() []func(domain.OutboxItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append(([]func(domain.OutboxItem))(nil), q.onSent...)
}

func (q *Queue) failureSubscribers() []func(domain.OutboxItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append(([]func(domain.OutboxItem))(nil), q.onFailure...)
}

func (q *Queue) notify(subs []func(domain.OutboxItem), it domain.OutboxItem) {
	for _, fn := range subs {
		fn(it)
	}
}
