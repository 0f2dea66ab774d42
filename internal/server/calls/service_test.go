package calls

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"whisper/internal/domain"
	"whisper/internal/log"
	"whisper/internal/metrics"
	"whisper/internal/protocol/wire"
	"whisper/internal/server/store"
)

const (
	alice = domain.WhisperID("WSP-AAAA-BBBB-CCCC")
	bob   = domain.WhisperID("WSP-DDDD-EEEE-FFFF")
	carol = domain.WhisperID("WSP-GGGG-HHHH-IIII")
)

type acceptAll struct{}

func (acceptAll) Verify(_ context.Context, from domain.WhisperID, env domain.SignedEnvelope) error {
	if env.From != from {
		return domain.ErrAuthFailed
	}
	return nil
}

type liveSet struct {
	mu     sync.Mutex
	online map[domain.WhisperID]bool
	got    map[domain.WhisperID][]wire.CallSignal
}

func (l *liveSet) Deliver(to domain.WhisperID, m wire.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.online[to] {
		return false
	}
	l.got[to] = append(l.got[to], m.(wire.CallSignal))
	return true
}

func (l *liveSet) last(to domain.WhisperID) wire.CallSignal {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.got[to]) == 0 {
		return wire.CallSignal{}
	}
	return l.got[to][len(l.got[to])-1]
}

type wake struct {
	to      domain.WhisperID
	token   string
	payload map[string]string
}

type pushes struct{ sent []wake }

func (p *pushes) Wake(to domain.WhisperID, token string, payload map[string]string) error {
	p.sent = append(p.sent, wake{to, token, payload})
	return nil
}

type tokens map[domain.WhisperID]string

func (t tokens) PushToken(id domain.WhisperID) string { return t[id] }

type fixture struct {
	svc   *Service
	live  *liveSet
	push  *pushes
	m     *metrics.Relay
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureTTL(t, DefaultCallTTL, DefaultAnsweredTTL)
}

func newFixtureTTL(t *testing.T, setupTTL, answeredTTL time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		live:  &liveSet{online: map[domain.WhisperID]bool{alice: true, bob: true, carol: true}, got: map[domain.WhisperID][]wire.CallSignal{}},
		push:  &pushes{},
		m:     metrics.NewRelay(prometheus.NewRegistry()),
		clock: time.Unix(1_700_000_000, 0),
	}
	cfg := Config{TurnURLs: []string{"turn:turn.example.org:3478"}, TurnSecret: "turn-secret"}
	f.svc = New(cfg, store.NewCalls(setupTTL, answeredTTL), acceptAll{}, f.live, f.push,
		tokens{bob: "bob-push"}, f.m, log.NewDiscard().GetLogger("calls"))
	f.svc.SetClock(func() time.Time { return f.clock })
	return f
}

func signal(kind, callID string, from, to domain.WhisperID) wire.CallSignal {
	return wire.CallSignal{
		Kind:         kind,
		SessionToken: "tok",
		SignedEnvelope: domain.SignedEnvelope{
			MessageType: kind,
			MessageID:   callID,
			From:        from,
			To:          to,
			Nonce:       make([]byte, 24),
			Ciphertext:  []byte("sealed"),
			Sig:         []byte("sig"),
		},
	}
}

func (f *fixture) handle(t *testing.T, kind, callID string, from, to domain.WhisperID) error {
	t.Helper()
	return f.svc.Handle(context.Background(), from, signal(kind, callID, from, to))
}

func (f *fixture) state(id string) domain.CallState {
	c, ok := f.svc.calls.Get(id)
	if !ok {
		return ""
	}
	return c.State
}

func TestTurnCredentialVector(t *testing.T) {
	require.Equal(t, "z8B65z/vp6m2Im8aYS0EXQSwCd8=", TurnCredential("turn-secret", "1700000600:WSP-AAAA-BBBB-CCCC"))

	f := newFixture(t)
	creds, err := f.svc.TurnCredentials(alice)
	require.NoError(t, err)
	require.Equal(t, "1700000600:WSP-AAAA-BBBB-CCCC", creds.Username)
	require.Equal(t, "z8B65z/vp6m2Im8aYS0EXQSwCd8=", creds.Credential)
	require.Equal(t, 600, creds.TTL)
	require.Equal(t, 1.0, testutil.ToFloat64(f.m.TurnIssued))
}

func TestTurnNotConfigured(t *testing.T) {
	svc := New(Config{}, store.NewCalls(time.Minute, time.Hour), acceptAll{}, &liveSet{}, &pushes{}, tokens{},
		metrics.NewRelay(prometheus.NewRegistry()), log.NewDiscard().GetLogger("calls"))
	_, err := svc.TurnCredentials(alice)
	require.ErrorIs(t, err, domain.ErrInternal)
}

func TestCallLifecycle(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	require.NoError(f.handle(t, wire.TypeCallInitiate, "c1", alice, bob))
	in := f.live.last(bob)
	require.Equal(wire.TypeCallIncoming, in.Kind)
	require.Equal(wire.TypeCallInitiate, in.MessageType)
	require.Empty(in.SessionToken)
	require.Equal(domain.CallInitiating, f.state("c1"))

	// Only the callee rings and answers.
	require.ErrorIs(f.handle(t, wire.TypeCallRinging, "c1", alice, bob), domain.ErrForbidden)
	require.NoError(f.handle(t, wire.TypeCallRinging, "c1", bob, alice))
	require.Equal(domain.CallRinging, f.state("c1"))
	require.Equal(wire.TypeCallRinging, f.live.last(alice).Kind)

	require.NoError(f.handle(t, wire.TypeCallAnswer, "c1", bob, alice))
	require.Equal(domain.CallAnswered, f.state("c1"))
	require.ErrorIs(f.handle(t, wire.TypeCallAnswer, "c1", bob, alice), domain.ErrForbidden)
	require.ErrorIs(f.handle(t, wire.TypeCallRinging, "c1", bob, alice), domain.ErrForbidden)

	require.NoError(f.handle(t, wire.TypeCallICECandidate, "c1", alice, bob))
	require.Equal(wire.TypeCallICECandidate, f.live.last(bob).Kind)
	require.ErrorIs(f.handle(t, wire.TypeCallICECandidate, "c1", carol, bob), domain.ErrForbidden)

	require.NoError(f.handle(t, wire.TypeCallEnd, "c1", alice, bob))
	require.Equal(wire.TypeCallEnd, f.live.last(bob).Kind)
	require.Empty(f.state("c1"))
	require.Equal(1.0, testutil.ToFloat64(f.m.CallsEnded.WithLabelValues(domain.EndEnded)))
}

func TestUnknownCall(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	// Only call_end is forwarded best effort.
	require.NoError(f.handle(t, wire.TypeCallEnd, "gone", alice, bob))
	require.Equal("gone", f.live.last(bob).CallID())

	require.ErrorIs(f.handle(t, wire.TypeCallAnswer, "never-initiated", bob, alice), domain.ErrNotFound)
	require.ErrorIs(f.handle(t, wire.TypeCallRinging, "never-initiated", bob, alice), domain.ErrNotFound)
	require.ErrorIs(f.handle(t, wire.TypeCallICECandidate, "never-initiated", carol, alice), domain.ErrNotFound)
	require.ErrorIs(f.handle(t, wire.TypeCallICECandidate, "gone", alice, bob), domain.ErrNotFound)
	require.Empty(f.live.got[alice])
	require.Len(f.live.got[bob], 1)
}

func TestBadSignals(t *testing.T) {
	f := newFixture(t)

	s := signal(wire.TypeCallAnswer, "c1", alice, bob)
	s.MessageType = wire.TypeCallInitiate
	require.ErrorIs(t, f.svc.Handle(context.Background(), alice, s), domain.ErrInvalidPayload)

	require.ErrorIs(t, f.handle(t, wire.TypeCallIncoming, "c1", alice, bob), domain.ErrInvalidPayload)
	require.ErrorIs(t, f.handle(t, wire.TypeCallInitiate, "c1", alice, alice), domain.ErrInvalidPayload)
	require.ErrorIs(t, f.svc.Handle(context.Background(), bob, signal(wire.TypeCallInitiate, "c1", alice, bob)), domain.ErrAuthFailed)
}

func TestBusy(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	require.NoError(f.handle(t, wire.TypeCallInitiate, "c1", alice, bob))
	require.NoError(f.handle(t, wire.TypeCallInitiate, "c2", carol, bob))

	end := f.live.last(carol)
	require.Equal(wire.TypeCallEnd, end.Kind)
	require.Equal(domain.EndBusy, end.Reason)
	require.Equal("c2", end.CallID())
	require.Empty(end.From)
	require.Empty(f.state("c2"))
	require.Len(f.live.got[bob], 1)

	// A retransmitted initiate is not a second call.
	require.NoError(f.handle(t, wire.TypeCallInitiate, "c1", alice, bob))
	require.Len(f.live.got[bob], 1)
}

func TestOfflineCalleeIsWokenAndGetsCallOnConnect(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.live.online[bob] = false

	require.NoError(f.handle(t, wire.TypeCallInitiate, "c1", alice, bob))
	require.Len(f.push.sent, 1)
	require.Equal(wake{bob, "bob-push", map[string]string{"type": "wake", "reason": "call", "whisperId": string(alice)}}, f.push.sent[0])

	f.live.online[bob] = true
	f.svc.OnConnect(bob)
	in := f.live.last(bob)
	require.Equal(wire.TypeCallIncoming, in.Kind)
	require.Equal("c1", in.CallID())

	// Handed over once.
	f.svc.OnConnect(bob)
	require.Len(f.live.got[bob], 1)
}

func TestEndClearsHeldCall(t *testing.T) {
	f := newFixture(t)
	f.live.online[bob] = false

	require.NoError(t, f.handle(t, wire.TypeCallInitiate, "c1", alice, bob))
	require.NoError(t, f.handle(t, wire.TypeCallEnd, "c1", alice, bob))

	f.live.online[bob] = true
	f.svc.OnConnect(bob)
	require.Empty(t, f.live.got[bob])
}

func TestSweepTimesOutUnansweredCalls(t *testing.T) {
	require := require.New(t)
	const ttl = 150 * time.Millisecond
	f := newFixtureTTL(t, ttl, time.Hour)
	dave := domain.WhisperID("WSP-JJJJ-KKKK-LLLL")
	f.live.online[dave] = true

	require.NoError(f.handle(t, wire.TypeCallInitiate, "ringing", alice, bob))
	require.NoError(f.handle(t, wire.TypeCallInitiate, "talking", carol, dave))
	require.NoError(f.handle(t, wire.TypeCallAnswer, "talking", dave, carol))
	require.Empty(f.svc.Sweep())

	var swept []domain.CallSession
	require.Eventually(func() bool {
		swept = append(swept, f.svc.Sweep()...)
		return len(swept) > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(swept, 1)
	require.Equal("ringing", swept[0].CallID)

	for _, id := range []domain.WhisperID{alice, bob} {
		end := f.live.last(id)
		require.Equal(wire.TypeCallEnd, end.Kind)
		require.Equal(domain.EndTimeout, end.Reason)
		require.Equal("ringing", end.CallID())
		require.Empty(end.From)
	}
	require.Equal(wire.TypeCallInitiate, f.live.got[bob][0].MessageType)
	require.Equal(wire.TypeCallAnswer, f.live.last(carol).Kind)
	require.Equal(domain.CallAnswered, f.state("talking"))
	require.Equal(1.0, testutil.ToFloat64(f.m.CallsEnded.WithLabelValues(domain.EndTimeout)))
}

func TestSweepEndsAnsweredCallsAfterAnsweredTTL(t *testing.T) {
	require := require.New(t)
	const ttl = 150 * time.Millisecond
	f := newFixtureTTL(t, time.Hour, ttl)

	require.NoError(f.handle(t, wire.TypeCallInitiate, "c1", alice, bob))
	require.NoError(f.handle(t, wire.TypeCallAnswer, "c1", bob, alice))

	var swept []domain.CallSession
	require.Eventually(func() bool {
		swept = append(swept, f.svc.Sweep()...)
		return len(swept) > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(swept, 1)
	require.Equal(domain.CallAnswered, swept[0].State)
	for _, id := range []domain.WhisperID{alice, bob} {
		end := f.live.last(id)
		require.Equal(wire.TypeCallEnd, end.Kind)
		require.Equal(domain.EndTimeout, end.Reason)
	}
	require.Empty(f.state("c1"))
}

func TestSweeperRunsUntilHalt(t *testing.T) {
	f := newFixtureTTL(t, 100*time.Millisecond, time.Hour)
	f.svc.cfg.SweepInterval = 20 * time.Millisecond

	require.NoError(t, f.handle(t, wire.TypeCallInitiate, "c1", alice, bob))
	f.svc.Start()
	require.Eventually(t, func() bool {
		return f.live.last(alice).Kind == wire.TypeCallEnd
	}, 5*time.Second, 10*time.Millisecond)
	f.svc.Halt()
	f.svc.Halt()
}
