// Package calls is the relay side of call signaling.
//
// The relay keeps one record per call in a TTL table and moves it through
// initiating, ringing and answered with compare-and-swap writes. It checks
// who may send which signal, forwards signals to the other party, holds a
// call_initiate for an offline callee and wakes them, and ends calls that
// stop signaling.
package calls

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"whisper/internal/domain"
	"whisper/internal/metrics"
	"whisper/internal/protocol/wire"
	"whisper/internal/server/store"
)

const (
	DefaultTurnTTL       = 600 * time.Second
	DefaultCallTTL       = 60 * time.Second
	DefaultAnsweredTTL   = 4 * time.Hour
	DefaultSweepInterval = 5 * time.Second

	casAttempts = 3
)

// Config holds the call and TURN settings.
type Config struct {
	TurnURLs      []string
	TurnSecret    string
	TurnTTL       time.Duration
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.TurnTTL <= 0 {
		c.TurnTTL = DefaultTurnTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// Verifier runs the envelope checks shared with message routing.
type Verifier interface {
	Verify(ctx context.Context, from domain.WhisperID, env domain.SignedEnvelope) error
}

// Deliverer pushes a frame to a live connection.
type Deliverer interface {
	Deliver(to domain.WhisperID, m wire.Message) bool
}

// PushTokens looks up a user's push token.
type PushTokens interface {
	PushToken(id domain.WhisperID) string
}

// Service handles call_* frames.
type Service struct {
	cfg     Config
	calls   *store.Calls
	verify  Verifier
	live    Deliverer
	push    PushSender
	tokens  PushTokens
	metrics *metrics.Relay
	log     *logging.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	loops  errgroup.Group
}

func New(
	cfg Config,
	calls *store.Calls,
	verify Verifier,
	live Deliverer,
	push PushSender,
	tokens PushTokens,
	m *metrics.Relay,
	log *logging.Logger,
) *Service {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		calls:   calls,
		verify:  verify,
		live:    live,
		push:    push,
		tokens:  tokens,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// SetClock replaces time.Now.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Start runs the timeout sweeper until Halt.
func (s *Service) Start() {
	s.loops.Go(func() error {
		t := time.NewTicker(s.cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return nil
			case <-t.C:
				s.Sweep()
			}
		}
	})
}

// Halt stops the sweeper.
func (s *Service) Halt() {
	s.cancel()
	_ = s.loops.Wait()
}

// Handle processes one call signal sent by the authenticated user from.
func (s *Service) Handle(ctx context.Context, from domain.WhisperID, sig wire.CallSignal) error {
	if sig.Kind == wire.TypeCallIncoming {
		return domain.Errorf(domain.CodeInvalidPayload, "call_incoming is relay to client only")
	}
	if sig.MessageType != sig.Kind {
		return domain.Errorf(domain.CodeInvalidPayload, "%s carries messageType %q", sig.Kind, sig.MessageType)
	}
	if sig.CallID() == "" {
		return domain.Errorf(domain.CodeInvalidPayload, "missing callId")
	}
	if err := s.verify.Verify(ctx, from, sig.SignedEnvelope); err != nil {
		return err
	}
	sig.SessionToken = ""

	switch sig.Kind {
	case wire.TypeCallInitiate:
		return s.initiate(from, sig)
	case wire.TypeCallRinging:
		return s.advance(from, sig, domain.CallRinging, domain.CallInitiating, domain.CallRinging)
	case wire.TypeCallAnswer:
		return s.advance(from, sig, domain.CallAnswered, domain.CallInitiating, domain.CallRinging)
	case wire.TypeCallICECandidate:
		return s.candidate(from, sig)
	case wire.TypeCallEnd:
		return s.end(from, sig)
	}
	return domain.Errorf(domain.CodeInvalidPayload, "unknown call signal %s", sig.Kind)
}

func (s *Service) initiate(from domain.WhisperID, sig wire.CallSignal) error {
	now := s.now()
	callee := sig.To
	if callee == from {
		return domain.Errorf(domain.CodeInvalidPayload, "cannot call yourself")
	}
	if c, ok := s.calls.Get(sig.CallID()); ok {
		if c.Caller == from && c.Callee == callee {
			// Retransmitted initiate.
			return nil
		}
		return domain.Errorf(domain.CodeForbidden, "call %s exists", sig.CallID())
	}
	for _, party := range []domain.WhisperID{from, callee} {
		if _, busy := s.calls.ActiveFor(party); busy {
			s.log.Infof("call %s: %s busy", sig.CallID(), party)
			s.metrics.CallsEnded.WithLabelValues(domain.EndBusy).Inc()
			s.live.Deliver(from, relayEnd(sig.CallID(), from, domain.EndBusy, now))
			return nil
		}
	}

	_, err := s.calls.Create(domain.CallSession{
		CallID:  sig.CallID(),
		Caller:  from,
		Callee:  callee,
		IsVideo: sig.IsVideo,
		State:   domain.CallInitiating,
	}, now)
	if errors.Is(err, store.ErrConflict) {
		return domain.Errorf(domain.CodeForbidden, "call %s exists", sig.CallID())
	}
	if err != nil {
		return err
	}
	s.metrics.CallsActive.Set(float64(s.calls.Len()))

	incoming := sig
	incoming.Kind = wire.TypeCallIncoming
	if s.live.Deliver(callee, incoming) {
		return nil
	}
	s.calls.PutPendingCall(callee, store.PendingCall{
		CallID:   sig.CallID(),
		IsVideo:  sig.IsVideo,
		Envelope: sig.SignedEnvelope,
	})
	if err := s.push.Wake(callee, s.tokens.PushToken(callee), WakePayload(WakeReasonCall, from)); err != nil {
		s.log.Warningf("call %s: wake %s: %v", sig.CallID(), callee, err)
	}
	return nil
}

// advance moves the call to next if the callee sent the signal and the
// call is in one of from, then forwards it to the caller.
func (s *Service) advance(sender domain.WhisperID, sig wire.CallSignal, next domain.CallState, from ...domain.CallState) error {
	err := s.update(sig.CallID(), func(c *domain.CallSession) error {
		if c.Callee != sender || c.Caller != sig.To {
			return domain.Errorf(domain.CodeForbidden, "%s may not send %s on call %s", sender, sig.Kind, c.CallID)
		}
		for _, st := range from {
			if c.State == st {
				c.State = next
				return nil
			}
		}
		return domain.Errorf(domain.CodeForbidden, "%s not allowed in state %s", sig.Kind, c.State)
	})
	if err != nil {
		return err
	}
	s.live.Deliver(sig.To, sig)
	return nil
}

func (s *Service) candidate(sender domain.WhisperID, sig wire.CallSignal) error {
	err := s.update(sig.CallID(), func(c *domain.CallSession) error {
		if !c.HasParty(sender) || c.Peer(sender) != sig.To {
			return domain.Errorf(domain.CodeForbidden, "%s is not a party of call %s", sender, c.CallID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.live.Deliver(sig.To, sig)
	return nil
}

func (s *Service) end(sender domain.WhisperID, sig wire.CallSignal) error {
	reason := sig.Reason
	if reason == "" {
		reason = domain.EndEnded
	}
	if c, ok := s.calls.Get(sig.CallID()); ok {
		if !c.HasParty(sender) || c.Peer(sender) != sig.To {
			return domain.Errorf(domain.CodeForbidden, "%s is not a party of call %s", sender, c.CallID)
		}
		s.calls.Delete(c.CallID)
		s.metrics.CallsEnded.WithLabelValues(reason).Inc()
		s.metrics.CallsActive.Set(float64(s.calls.Len()))
		s.log.Infof("call %s: ended by %s (%s)", c.CallID, sender, reason)
	}
	s.live.Deliver(sig.To, sig)
	return nil
}

// update applies fn to the stored call with compare-and-swap, re-reading
// on conflict. A call the relay has no record of has no state and no
// parties to check against, so the signal is refused with NotFound.
func (s *Service) update(callID string, fn func(*domain.CallSession) error) error {
	for range casAttempts {
		c, ok := s.calls.Get(callID)
		if !ok {
			return domain.Errorf(domain.CodeNotFound, "call %s", callID)
		}
		if err := fn(&c); err != nil {
			return err
		}
		_, err := s.calls.CompareAndSwap(c, s.now())
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
	return domain.Errorf(domain.CodeInternal, "call %s: too many concurrent updates", callID)
}

// OnConnect hands a held call_initiate to a callee that just logged in.
func (s *Service) OnConnect(id domain.WhisperID) {
	p, ok := s.calls.TakePendingCall(id)
	if !ok {
		return
	}
	if _, live := s.calls.Get(p.CallID); !live {
		return
	}
	s.live.Deliver(id, wire.CallSignal{Kind: wire.TypeCallIncoming, IsVideo: p.IsVideo, SignedEnvelope: p.Envelope})
}

// Sweep ends the calls whose TTL lapsed with reason timeout towards both
// parties. Unanswered calls lapse after the call TTL, answered ones after
// the much longer answered TTL.
func (s *Service) Sweep() []domain.CallSession {
	now := s.now()
	expired := s.calls.TakeExpired()
	for _, c := range expired {
		s.log.Infof("call %s: timed out in %s", c.CallID, c.State)
		s.metrics.CallsEnded.WithLabelValues(domain.EndTimeout).Inc()
		s.live.Deliver(c.Caller, relayEnd(c.CallID, c.Caller, domain.EndTimeout, now))
		s.live.Deliver(c.Callee, relayEnd(c.CallID, c.Callee, domain.EndTimeout, now))
	}
	if len(expired) > 0 {
		s.metrics.CallsActive.Set(float64(s.calls.Len()))
	}
	return expired
}

// relayEnd is a call_end issued by the relay itself. It has no sender and
// no signature.
func relayEnd(callID string, to domain.WhisperID, reason string, now time.Time) wire.CallSignal {
	return wire.CallSignal{
		Kind:   wire.TypeCallEnd,
		Reason: reason,
		SignedEnvelope: domain.SignedEnvelope{
			MessageType: wire.TypeCallEnd,
			MessageID:   callID,
			To:          to,
			Timestamp:   now.UnixMilli(),
		},
	}
}
