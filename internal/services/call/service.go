package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"whisper/internal/domain"
	"whisper/internal/protocol/envelope"
	"whisper/internal/protocol/wire"
	"whisper/internal/rtc"
)

// State is the client-side call state.
type State string

const (
	StateIdle               State = "IDLE"
	StateOutgoingInitiating State = "OUTGOING_INITIATING"
	StateIncomingRinging    State = "INCOMING_RINGING"
	StateRinging            State = "RINGING"
	StateConnecting         State = "CONNECTING"
	StateInCall             State = "IN_CALL"
	StateEnded              State = "ENDED"
	StateFailed             State = "FAILED"
	StateTimeout            State = "TIMEOUT"
)

// DefaultRingTimeout bounds how long a call may ring before it is ended
// with reason timeout.
const DefaultRingTimeout = 30 * time.Second

var (
	// ErrCallInProgress is returned by InitiateCall outside IDLE.
	ErrCallInProgress = domain.Errorf(domain.CodeForbidden, "a call is already in progress")
	// ErrNoCall is returned when the referenced call is not the active one.
	ErrNoCall = domain.Errorf(domain.CodeNotFound, "no such call")
)

// Event is published on every state change. Terminal states are followed
// by an IDLE event.
type Event struct {
	CallID  string
	Peer    domain.WhisperID
	IsVideo bool
	State   State
	Reason  string
}

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

type active struct {
	id       string
	peer     domain.PublicKeys
	isVideo  bool
	outgoing bool
	state    State
	offer    string
	pc       rtc.Peer
	held     []domain.ICECandidate
	timer    *time.Timer
}

// Service drives the call state machine for one device. At most one call
// is active at a time.
type Service struct {
	link    Link
	session Session
	keys    domain.KeyDirectory
	rtc     rtc.Factory
	log     *logging.Logger
	now     func() time.Time

	ringTimeout time.Duration

	mu   sync.Mutex
	cur  *active
	subs []func(Event)
}

func New(
	link Link,
	session Session,
	keys domain.KeyDirectory,
	factory rtc.Factory,
	log *logging.Logger,
) *Service {
	return &Service{
		link:        link,
		session:     session,
		keys:        keys,
		rtc:         factory,
		log:         log,
		now:         time.Now,
		ringTimeout: DefaultRingTimeout,
	}
}

// SetRingTimeout overrides DefaultRingTimeout.
func (s *Service) SetRingTimeout(d time.Duration) { s.ringTimeout = d }

// Subscribe adds fn to the event subscribers.
func (s *Service) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// State returns the current state and call id.
func (s *Service) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return StateIdle, ""
	}
	return s.cur.state, s.cur.id
}

// InitiateCall starts an outgoing call. TURN credentials are fetched before
// the peer connection is built; if that fails the call never leaves this
// device and the machine returns to IDLE.
func (s *Service) InitiateCall(ctx context.Context, peer domain.WhisperID, isVideo bool) (string, error) {
	_, ok := s.session.Identity()
	token := s.session.SessionToken()
	if !ok || token == "" {
		return "", domain.Errorf(domain.CodeAuthFailed, "no active session")
	}

	callID := uuid.NewString()
	s.mu.Lock()
	if s.cur != nil {
		s.mu.Unlock()
		return "", ErrCallInProgress
	}
	c := &active{id: callID, peer: domain.PublicKeys{WhisperID: peer}, isVideo: isVideo, outgoing: true, state: StateOutgoingInitiating}
	s.cur = c
	s.mu.Unlock()
	s.emit(eventOf(c))

	fail := func(err error) (string, error) {
		s.log.Warningf("call %s: initiate failed: %v", callID, err)
		s.finish(callID, StateFailed, domain.EndFailed)
		return "", err
	}

	creds, err := s.turn(ctx, token)
	if err != nil {
		return fail(fmt.Errorf("turn credentials: %w", err))
	}
	pk, err := s.keys.PeerKeys(ctx, peer)
	if err != nil {
		return fail(err)
	}
	pc, err := s.newPeer(callID, creds, isVideo)
	if err != nil {
		return fail(err)
	}
	offer, err := pc.CreateOffer()
	if err != nil {
		_ = pc.Close()
		return fail(err)
	}

	s.mu.Lock()
	if s.cur != c {
		s.mu.Unlock()
		_ = pc.Close()
		return "", ErrNoCall
	}
	c.peer = pk
	c.pc = pc
	c.timer = time.AfterFunc(s.ringTimeout, func() { s.ringTimedOut(callID) })
	s.mu.Unlock()

	if err := s.signal(ctx, wire.TypeCallInitiate, c, domain.CallBody{SDP: offer}, func(cs *wire.CallSignal) {
		cs.IsVideo = isVideo
	}); err != nil {
		return fail(err)
	}
	s.log.Infof("call %s: initiated to %s video=%v", callID, peer, isVideo)
	return callID, nil
}

// AnswerCall accepts the ringing incoming call.
func (s *Service) AnswerCall(ctx context.Context, callID string) error {
	token := s.session.SessionToken()

	s.mu.Lock()
	c := s.cur
	if c == nil || c.id != callID || c.outgoing || c.state != StateIncomingRinging {
		s.mu.Unlock()
		return ErrNoCall
	}
	s.mu.Unlock()

	creds, err := s.turn(ctx, token)
	if err != nil {
		s.finish(callID, StateFailed, domain.EndFailed)
		s.sendEnd(ctx, c, domain.EndFailed)
		return fmt.Errorf("turn credentials: %w", err)
	}
	pc, err := s.newPeer(callID, creds, c.isVideo)
	if err != nil {
		s.finish(callID, StateFailed, domain.EndFailed)
		s.sendEnd(ctx, c, domain.EndFailed)
		return err
	}

	s.mu.Lock()
	if s.cur != c {
		s.mu.Unlock()
		_ = pc.Close()
		return ErrNoCall
	}
	c.pc = pc
	held := c.held
	c.held = nil
	offer := c.offer
	s.mu.Unlock()

	answer, err := pc.CreateAnswer(offer)
	if err != nil {
		s.finish(callID, StateFailed, domain.EndFailed)
		s.sendEnd(ctx, c, domain.EndFailed)
		return err
	}
	for _, cand := range held {
		if err := pc.AddICECandidate(cand); err != nil {
			s.log.Debugf("call %s: held candidate rejected: %v", callID, err)
		}
	}
	if err := s.signal(ctx, wire.TypeCallAnswer, c, domain.CallBody{SDP: answer}, nil); err != nil {
		s.finish(callID, StateFailed, domain.EndFailed)
		return err
	}
	s.transition(callID, StateConnecting, StateIncomingRinging)
	return nil
}

// DeclineCall rejects the ringing incoming call.
func (s *Service) DeclineCall(ctx context.Context, callID string) error {
	return s.end(ctx, callID, domain.EndDeclined)
}

// EndCall hangs up the active call.
func (s *Service) EndCall(ctx context.Context, callID string) error {
	return s.end(ctx, callID, domain.EndEnded)
}

func (s *Service) end(ctx context.Context, callID, reason string) error {
	s.mu.Lock()
	c := s.cur
	s.mu.Unlock()
	if c == nil || c.id != callID {
		return ErrNoCall
	}
	s.finish(callID, StateEnded, reason)
	s.sendEnd(ctx, c, reason)
	return nil
}

// HandleSignal applies a call frame from the relay. Signals for a call
// other than the active one are ignored, except call_incoming which is
// answered with busy.
func (s *Service) HandleSignal(ctx context.Context, sig wire.CallSignal) error {
	id, ok := s.session.Identity()
	if !ok {
		return domain.Errorf(domain.CodeAuthFailed, "no identity")
	}
	if sig.To != id.WhisperID {
		return domain.Errorf(domain.CodeForbidden, "call signal addressed to %s", sig.To)
	}
	if sig.Kind == wire.TypeCallEnd && sig.From == "" {
		// Issued by the relay itself (sweep timeout, busy callee). It can
		// only end the call it names.
		s.finish(sig.CallID(), terminalFor(sig.Reason), sig.Reason)
		return nil
	}
	if sig.MessageType != signedType(sig.Kind) {
		return domain.Errorf(domain.CodeInvalidPayload, "%s carries messageType %q", sig.Kind, sig.MessageType)
	}
	pk, err := s.keys.PeerKeys(ctx, sig.From)
	if err != nil {
		return err
	}
	var body domain.CallBody
	if err := envelope.Open(id, pk, sig.SignedEnvelope, &body); err != nil {
		return err
	}

	if sig.Kind == wire.TypeCallIncoming || sig.Kind == wire.TypeCallInitiate {
		return s.incoming(ctx, sig, pk, body)
	}

	s.mu.Lock()
	c := s.cur
	matches := c != nil && c.id == sig.CallID() && c.peer.WhisperID == sig.From
	s.mu.Unlock()
	if !matches {
		s.log.Debugf("call %s: ignoring %s for inactive call", sig.CallID(), sig.Kind)
		return nil
	}

	switch sig.Kind {
	case wire.TypeCallRinging:
		if c.outgoing {
			s.transition(c.id, StateRinging, StateOutgoingInitiating)
		}
	case wire.TypeCallAnswer:
		return s.answered(ctx, c, body)
	case wire.TypeCallICECandidate:
		if body.Candidate == nil {
			return domain.Errorf(domain.CodeInvalidPayload, "empty candidate")
		}
		s.mu.Lock()
		pc := c.pc
		if pc == nil {
			c.held = append(c.held, *body.Candidate)
		}
		s.mu.Unlock()
		if pc != nil {
			return pc.AddICECandidate(*body.Candidate)
		}
	case wire.TypeCallEnd:
		reason := sig.Reason
		if reason == "" {
			reason = body.Reason
		}
		s.finish(c.id, terminalFor(reason), reason)
	}
	return nil
}

func (s *Service) incoming(ctx context.Context, sig wire.CallSignal, pk domain.PublicKeys, body domain.CallBody) error {
	c := &active{
		id:      sig.CallID(),
		peer:    pk,
		isVideo: sig.IsVideo,
		state:   StateIncomingRinging,
		offer:   body.SDP,
	}

	s.mu.Lock()
	if cur := s.cur; cur != nil {
		s.mu.Unlock()
		if cur.id == c.id {
			return nil
		}
		s.log.Infof("call %s: busy, rejecting call from %s", c.id, sig.From)
		s.sendEnd(ctx, c, domain.EndBusy)
		return nil
	}
	if body.SDP == "" {
		s.mu.Unlock()
		return domain.Errorf(domain.CodeInvalidPayload, "call_incoming without offer")
	}
	s.cur = c
	c.timer = time.AfterFunc(s.ringTimeout, func() { s.ringTimedOut(c.id) })
	s.mu.Unlock()

	s.emit(eventOf(c))
	if err := s.signal(ctx, wire.TypeCallRinging, c, domain.CallBody{}, nil); err != nil {
		s.log.Warningf("call %s: sending ringing: %v", c.id, err)
	}
	return nil
}

func (s *Service) answered(ctx context.Context, c *active, body domain.CallBody) error {
	s.mu.Lock()
	st := c.state
	legal := c.outgoing && (st == StateOutgoingInitiating || st == StateRinging)
	pc := c.pc
	s.mu.Unlock()
	if !legal || pc == nil {
		s.log.Debugf("call %s: ignoring answer in state %s", c.id, st)
		return nil
	}
	if err := pc.SetAnswer(body.SDP); err != nil {
		s.finish(c.id, StateFailed, domain.EndFailed)
		s.sendEnd(ctx, c, domain.EndFailed)
		return err
	}
	s.transition(c.id, StateConnecting, StateOutgoingInitiating, StateRinging)
	return nil
}

// transition moves the active call to next if it is in one of from.
func (s *Service) transition(callID string, next State, from ...State) {
	s.mu.Lock()
	c := s.cur
	if c == nil || c.id != callID {
		s.mu.Unlock()
		return
	}
	ok := false
	for _, f := range from {
		if c.state == f {
			ok = true
			break
		}
	}
	if !ok {
		s.mu.Unlock()
		return
	}
	c.state = next
	if next == StateConnecting && c.timer != nil {
		c.timer.Stop()
	}
	ev := eventOf(c)
	s.mu.Unlock()
	s.log.Debugf("call %s: -> %s", callID, next)
	s.emit(ev)
}

// finish emits the terminal state, releases the peer connection and
// returns to IDLE.
func (s *Service) finish(callID string, terminal State, reason string) {
	s.mu.Lock()
	c := s.cur
	if c == nil || c.id != callID {
		s.mu.Unlock()
		return
	}
	s.cur = nil
	if c.timer != nil {
		c.timer.Stop()
	}
	c.state = terminal
	ev := eventOf(c)
	ev.Reason = reason
	pc := c.pc
	s.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
	s.log.Infof("call %s: %s (%s)", callID, terminal, reason)
	s.emit(ev, Event{CallID: callID, Peer: ev.Peer, IsVideo: ev.IsVideo, State: StateIdle})
}

func (s *Service) ringTimedOut(callID string) {
	s.mu.Lock()
	c := s.cur
	var st State
	if c != nil {
		st = c.state
	}
	s.mu.Unlock()
	if c == nil || c.id != callID {
		return
	}
	switch st {
	case StateOutgoingInitiating, StateRinging, StateIncomingRinging:
	default:
		return
	}
	s.finish(callID, StateTimeout, domain.EndTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.sendEnd(ctx, c, domain.EndTimeout)
}

func (s *Service) newPeer(callID string, creds domain.TurnCredentials, video bool) (rtc.Peer, error) {
	pc, err := s.rtc.NewPeer(rtc.ConfigFromTurn(creds, video))
	if err != nil {
		return nil, err
	}
	pc.OnICECandidate(func(cand domain.ICECandidate) {
		s.mu.Lock()
		c := s.cur
		s.mu.Unlock()
		if c == nil || c.id != callID {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.signal(ctx, wire.TypeCallICECandidate, c, domain.CallBody{Candidate: &cand}, nil); err != nil {
			s.log.Debugf("call %s: sending candidate: %v", callID, err)
		}
	})
	pc.OnConnected(func() { s.transition(callID, StateInCall, StateConnecting) })
	pc.OnFailed(func() {
		s.mu.Lock()
		c := s.cur
		s.mu.Unlock()
		if c == nil || c.id != callID {
			return
		}
		s.finish(callID, StateFailed, domain.EndFailed)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.sendEnd(ctx, c, domain.EndFailed)
	})
	return pc, nil
}

func (s *Service) turn(ctx context.Context, token string) (domain.TurnCredentials, error) {
	f, err := s.link.Request(ctx, wire.GetTurnCredentials{SessionToken: token})
	if err != nil {
		return domain.TurnCredentials{}, err
	}
	m, err := f.Decode()
	if err != nil {
		return domain.TurnCredentials{}, err
	}
	tc, ok := m.(wire.TurnCredentials)
	if !ok || len(tc.URLs) == 0 {
		return domain.TurnCredentials{}, domain.Errorf(domain.CodeInvalidPayload, "unexpected %s response", f.Type)
	}
	return tc.TurnCredentials, nil
}

func (s *Service) signal(ctx context.Context, kind string, c *active, body domain.CallBody, mutate func(*wire.CallSignal)) error {
	id, ok := s.session.Identity()
	if !ok {
		return domain.Errorf(domain.CodeAuthFailed, "no identity")
	}
	env, err := envelope.Seal(id, c.peer, envelope.Header{
		MessageType: kind,
		MessageID:   c.id,
		To:          c.peer.WhisperID,
		Timestamp:   s.now().UnixMilli(),
	}, body)
	if err != nil {
		return err
	}
	sig := wire.NewCallSignal(kind, s.session.SessionToken(), env)
	if mutate != nil {
		mutate(&sig)
	}
	return s.link.Send(ctx, sig)
}

// sendEnd is best effort: the peer and the relay both time calls out.
func (s *Service) sendEnd(ctx context.Context, c *active, reason string) {
	if len(c.peer.EncPublicKey) == 0 {
		pk, err := s.keys.PeerKeys(ctx, c.peer.WhisperID)
		if err != nil {
			s.log.Debugf("call %s: no keys for call_end: %v", c.id, err)
			return
		}
		c.peer = pk
	}
	err := s.signal(ctx, wire.TypeCallEnd, c, domain.CallBody{Reason: reason}, func(cs *wire.CallSignal) {
		cs.Reason = reason
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debugf("call %s: sending call_end: %v", c.id, err)
	}
}

func (s *Service) emit(evs ...Event) {
	s.mu.Lock()
	subs := append(([]func(Event))(nil), s.subs...)
	s.mu.Unlock()
	for _, ev := range evs {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

func eventOf(c *active) Event {
	return Event{CallID: c.id, Peer: c.peer.WhisperID, IsVideo: c.isVideo, State: c.state}
}

// signedType is the messageType the caller signed for a frame kind. The
// relay forwards call_initiate to the callee as call_incoming without
// touching the envelope.
func signedType(kind string) string {
	if kind == wire.TypeCallIncoming {
		return wire.TypeCallInitiate
	}
	return kind
}

func terminalFor(reason string) State {
	switch reason {
	case domain.EndTimeout:
		return StateTimeout
	case domain.EndFailed:
		return StateFailed
	}
	return StateEnded
}
