package store

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"whisper/internal/domain"
)

// ErrConflict is returned by CompareAndSwap when the stored version moved.
var ErrConflict = errors.New("store: call version conflict")

// PendingCall is a call_initiate held for a callee who was offline. It is
// handed over as call_incoming right after the callee authenticates.
type PendingCall struct {
	CallID   string
	IsVideo  bool
	Envelope domain.SignedEnvelope
}

// Calls is the relay's call table. Calls that are not answered yet live in
// one expiring table, answered calls in another with a longer TTL. Every
// successful write refreshes the TTL; writers update through CompareAndSwap
// so concurrent signals for one call never interleave. Entries that expire
// are collected for TakeExpired.
type Calls struct {
	mu       sync.Mutex
	setup    *expirable.LRU[string, domain.CallSession]
	answered *expirable.LRU[string, domain.CallSession]
	pending  *expirable.LRU[domain.WhisperID, PendingCall]

	evictMu sync.Mutex
	dropped map[string]bool
	expired []domain.CallSession
}

// NewCalls returns a call table. setupTTL bounds how long a call may sit
// initiating or ringing without a write, answeredTTL how long an answered
// call may go without one.
func NewCalls(setupTTL, answeredTTL time.Duration) *Calls {
	s := &Calls{dropped: make(map[string]bool)}
	s.setup = expirable.NewLRU[string, domain.CallSession](0, s.evicted, setupTTL)
	s.answered = expirable.NewLRU[string, domain.CallSession](0, s.evicted, answeredTTL)
	s.pending = expirable.NewLRU[domain.WhisperID, PendingCall](0, nil, setupTTL)
	return s
}

// evicted runs under the table's own lock. Removals made by this type are
// marked in dropped beforehand; anything else is an expiry.
func (s *Calls) evicted(id string, c domain.CallSession) {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	if s.dropped[id] {
		delete(s.dropped, id)
		return
	}
	s.expired = append(s.expired, c)
}

func (s *Calls) table(st domain.CallState) *expirable.LRU[string, domain.CallSession] {
	if st == domain.CallAnswered {
		return s.answered
	}
	return s.setup
}

func (s *Calls) lookup(id string) (domain.CallSession, bool) {
	if c, ok := s.setup.Peek(id); ok {
		return c, true
	}
	return s.answered.Peek(id)
}

func (s *Calls) remove(t *expirable.LRU[string, domain.CallSession], id string) bool {
	if !t.Contains(id) {
		return false
	}
	s.evictMu.Lock()
	s.dropped[id] = true
	s.evictMu.Unlock()
	if !t.Remove(id) {
		// Expired and collected in between.
		s.evictMu.Lock()
		delete(s.dropped, id)
		s.evictMu.Unlock()
		return false
	}
	return true
}

// Create stores a new call at version 1.
func (s *Calls) Create(c domain.CallSession, now time.Time) (domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(c.CallID); ok {
		return domain.CallSession{}, ErrConflict
	}
	c.Version = 1
	c.CreatedAt = now.UnixMilli()
	c.LastUpdate = c.CreatedAt
	s.table(c.State).Add(c.CallID, c)
	return c, nil
}

// Get returns the live call with id.
func (s *Calls) Get(id string) (domain.CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(id)
}

// CompareAndSwap replaces the call if its stored version still equals
// c.Version and returns the stored copy with the bumped version. A call
// that becomes answered moves to the answered table.
func (s *Calls) CompareAndSwap(c domain.CallSession, now time.Time) (domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.lookup(c.CallID)
	if !ok {
		return domain.CallSession{}, domain.Errorf(domain.CodeNotFound, "call %s", c.CallID)
	}
	if cur.Version != c.Version {
		return domain.CallSession{}, ErrConflict
	}
	c.Version++
	c.LastUpdate = now.UnixMilli()
	if from, to := s.table(cur.State), s.table(c.State); from != to {
		s.remove(from, c.CallID)
	}
	s.table(c.State).Add(c.CallID, c)
	return c, nil
}

// Delete removes the call and any pending call_initiate for it.
func (s *Calls) Delete(id string) (domain.CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(id)
	s.remove(s.setup, id)
	s.remove(s.answered, id)
	for _, callee := range s.pending.Keys() {
		if p, held := s.pending.Peek(callee); held && p.CallID == id {
			s.pending.Remove(callee)
		}
	}
	return c, ok
}

// ActiveFor returns a live call id takes part in.
func (s *Calls) ActiveFor(id domain.WhisperID) (domain.CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range []*expirable.LRU[string, domain.CallSession]{s.setup, s.answered} {
		for _, c := range t.Values() {
			if c.HasParty(id) {
				return c, true
			}
		}
	}
	return domain.CallSession{}, false
}

// Len returns the number of tracked calls, live or not yet collected.
func (s *Calls) Len() int {
	return s.setup.Len() + s.answered.Len()
}

// TakeExpired returns the calls whose TTL lapsed since the last call.
func (s *Calls) TakeExpired() []domain.CallSession {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	out := s.expired
	s.expired = nil
	return out
}

// PutPendingCall holds p for callee, replacing an older one.
func (s *Calls) PutPendingCall(callee domain.WhisperID, p PendingCall) {
	s.pending.Add(callee, p)
}

// TakePendingCall removes and returns the call held for callee if it has
// not expired.
func (s *Calls) TakePendingCall(callee domain.WhisperID) (PendingCall, bool) {
	p, ok := s.pending.Peek(callee)
	s.pending.Remove(callee)
	return p, ok
}
