package router

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"whisper/internal/crypto"
	"whisper/internal/dedup"
	"whisper/internal/domain"
	"whisper/internal/log"
	"whisper/internal/metrics"
	"whisper/internal/protocol/envelope"
	"whisper/internal/protocol/wire"
	"whisper/internal/server/store"
	"whisper/internal/util/ratelimit"
)

const (
	aliceID = domain.WhisperID("WSP-AAAA-BBBB-CCCC")
	bobID   = domain.WhisperID("WSP-DDDD-EEEE-FFFF")
)

var words = map[domain.WhisperID]string{
	aliceID: "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about",
	bobID:   "legal winner thank year wave sausage worth useful legal winner thank yellow",
}

var epoch = time.UnixMilli(1_700_000_000_000)

type directory map[domain.WhisperID]domain.PublicKeys

func (d directory) PeerKeys(_ context.Context, id domain.WhisperID) (domain.PublicKeys, error) {
	pk, ok := d[id]
	if !ok {
		return domain.PublicKeys{}, domain.Errorf(domain.CodeNotFound, "user %s", id)
	}
	return pk, nil
}

type liveSet struct {
	mu     sync.Mutex
	online map[domain.WhisperID]bool
	got    map[domain.WhisperID][]wire.Message
}

func (l *liveSet) Deliver(to domain.WhisperID, m wire.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.online[to] {
		return false
	}
	l.got[to] = append(l.got[to], m)
	return true
}

type fixture struct {
	r     *Router
	db    *store.DB
	live  *liveSet
	m     *metrics.Relay
	ids   map[domain.WhisperID]domain.Identity
	dir   directory
	clock time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		ids:   map[domain.WhisperID]domain.Identity{},
		dir:   directory{},
		live:  &liveSet{online: map[domain.WhisperID]bool{}, got: map[domain.WhisperID][]wire.Message{}},
		m:     metrics.NewRelay(prometheus.NewRegistry()),
		clock: epoch,
	}
	for wid, w := range words {
		id, err := crypto.DeriveIdentity(w, "")
		require.NoError(t, err)
		id.WhisperID = wid
		f.ids[wid] = id
		f.dir[wid] = envelope.PublicKeysOf(id)
	}
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	f.db = db
	dd, err := dedup.New(0)
	require.NoError(t, err)
	opts = append([]Option{WithClock(func() time.Time { return f.clock })}, opts...)
	f.r = New(f.dir, db, f.live, dd, f.m, log.NewDiscard().GetLogger("router"), opts...)
	return f
}

func (f *fixture) seal(t *testing.T, from, to domain.WhisperID, typ, id string, ts time.Time) domain.SignedEnvelope {
	t.Helper()
	env, err := envelope.Seal(f.ids[from], f.dir[to], envelope.Header{
		MessageType: typ, MessageID: id, To: to, Timestamp: ts.UnixMilli(),
	}, domain.MessageContent{Kind: domain.ContentText, Text: "hi"})
	require.NoError(t, err)
	return env
}

func (f *fixture) pendingIDs(t *testing.T, id domain.WhisperID) []string {
	t.Helper()
	page, _, err := f.db.ListPending(id, 0, 1000)
	require.NoError(t, err)
	var out []string
	for _, pm := range page {
		out = append(out, pm.Envelope.MessageID)
	}
	return out
}

func TestRoute_LiveAndOffline(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	ack, err := f.r.Route(ctx, aliceID, wire.TypeSendMessage, f.seal(t, aliceID, bobID, domain.MessageTypeChat, "m1", epoch))
	require.NoError(err)
	require.Equal(wire.MessageAccepted{MessageID: "m1", Status: wire.AcceptedStored}, ack)
	require.Empty(f.live.got[bobID])

	f.live.online[bobID] = true
	ack, err = f.r.Route(ctx, aliceID, wire.TypeSendMessage, f.seal(t, aliceID, bobID, domain.MessageTypeChat, "m2", epoch))
	require.NoError(err)
	require.Equal(wire.AcceptedDelivered, ack.Status)
	require.Len(f.live.got[bobID], 1)
	require.IsType(wire.MessageReceived{}, f.live.got[bobID][0])

	// Live delivery still leaves a copy until the recipient confirms.
	require.Equal([]string{"m1", "m2"}, f.pendingIDs(t, bobID))
	require.Equal(1.0, testutil.ToFloat64(f.m.Delivered.WithLabelValues(wire.AcceptedDelivered)))
}

func TestRoute_CheckOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]struct {
		from domain.WhisperID
		env  func() domain.SignedEnvelope
		want error
	}{
		"session mismatch": {bobID, func() domain.SignedEnvelope {
			return f.seal(t, aliceID, bobID, domain.MessageTypeChat, "x", epoch)
		}, domain.ErrAuthFailed},
		"stale and forged": {aliceID, func() domain.SignedEnvelope {
			e := f.seal(t, aliceID, bobID, domain.MessageTypeChat, "x", epoch.Add(-time.Hour))
			e.Sig[0] ^= 1
			return e
		}, domain.ErrInvalidTimestamp},
		"future": {aliceID, func() domain.SignedEnvelope {
			return f.seal(t, aliceID, bobID, domain.MessageTypeChat, "x", epoch.Add(DefaultSkew+time.Millisecond))
		}, domain.ErrInvalidTimestamp},
		"short nonce": {aliceID, func() domain.SignedEnvelope {
			e := f.seal(t, aliceID, bobID, domain.MessageTypeChat, "x", epoch)
			e.Nonce = e.Nonce[:23]
			return e
		}, domain.ErrInvalidPayload},
		"bad signature": {aliceID, func() domain.SignedEnvelope {
			e := f.seal(t, aliceID, bobID, domain.MessageTypeChat, "x", epoch)
			e.MessageID = "y"
			return e
		}, domain.ErrSignatureFailed},
		"unknown recipient": {aliceID, func() domain.SignedEnvelope {
			f.dir["WSP-ZZZZ-ZZZZ-ZZZZ"] = f.dir[bobID]
			defer delete(f.dir, "WSP-ZZZZ-ZZZZ-ZZZZ")
			return f.seal(t, aliceID, "WSP-ZZZZ-ZZZZ-ZZZZ", domain.MessageTypeChat, "x", epoch)
		}, domain.ErrNotFound},
		"receipt type in send frame": {aliceID, func() domain.SignedEnvelope {
			return f.seal(t, aliceID, bobID, domain.MessageTypeRead, "x", epoch)
		}, domain.ErrInvalidPayload},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.r.Route(ctx, tc.from, wire.TypeSendMessage, tc.env())
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Empty(t, f.pendingIDs(t, bobID))
}

func TestRoute_UnknownSender(t *testing.T) {
	f := newFixture(t)
	env := f.seal(t, aliceID, bobID, domain.MessageTypeChat, "x", epoch)
	delete(f.dir, aliceID)
	_, err := f.r.Route(context.Background(), aliceID, wire.TypeSendMessage, env)
	require.ErrorIs(t, err, domain.ErrAuthFailed)
}

func TestRoute_SkewBoundaryAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, ts := range []time.Time{epoch.Add(-DefaultSkew), epoch.Add(DefaultSkew)} {
		_, err := f.r.Route(ctx, aliceID, wire.TypeSendMessage, f.seal(t, aliceID, bobID, domain.MessageTypeChat, strconv.Itoa(i), ts))
		require.NoError(t, err)
	}
	_, err := f.r.Route(ctx, aliceID, wire.TypeSendMessage,
		f.seal(t, aliceID, bobID, domain.MessageTypeChat, "late", epoch.Add(-DefaultSkew-time.Millisecond)))
	require.ErrorIs(t, err, domain.ErrInvalidTimestamp)
}

func TestRoute_ReplayAcknowledgedOnce(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.live.online[bobID] = true
	env := f.seal(t, aliceID, bobID, domain.MessageTypeChat, "m1", epoch)

	for range 3 {
		ack, err := f.r.Route(context.Background(), aliceID, wire.TypeSendMessage, env)
		require.NoError(err)
		require.Equal("m1", ack.MessageID)
	}
	require.Len(f.live.got[bobID], 1)
	require.Equal([]string{"m1"}, f.pendingIDs(t, bobID))
}

func TestRoute_ReplayAfterRestartIsNotQueuedTwice(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	env := f.seal(t, aliceID, bobID, domain.MessageTypeChat, "m1", epoch)

	_, err := f.r.Route(context.Background(), aliceID, wire.TypeSendMessage, env)
	require.NoError(err)

	// A fresh router over the same database has an empty replay cache.
	dd, err := dedup.New(0)
	require.NoError(err)
	restarted := New(f.dir, f.db, f.live, dd, f.m, log.NewDiscard().GetLogger("router"),
		WithClock(func() time.Time { return f.clock }))
	f.live.online[bobID] = true

	ack, err := restarted.Route(context.Background(), aliceID, wire.TypeSendMessage, env)
	require.NoError(err)
	require.Equal(wire.MessageAccepted{MessageID: "m1", Status: wire.AcceptedStored}, ack)
	require.Empty(f.live.got[bobID])
	require.Equal([]string{"m1"}, f.pendingIDs(t, bobID))
}

func TestRoute_DeliveredReceiptClearsQueue(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.live.online[aliceID] = true

	_, err := f.r.Route(ctx, aliceID, wire.TypeSendMessage, f.seal(t, aliceID, bobID, domain.MessageTypeChat, "m1", epoch))
	require.NoError(err)
	_, err = f.r.Route(ctx, aliceID, wire.TypeSendMessage, f.seal(t, aliceID, bobID, domain.MessageTypeChat, "m2", epoch))
	require.NoError(err)

	ack, err := f.r.Route(ctx, bobID, wire.TypeDeliveryReceipt, f.seal(t, bobID, aliceID, domain.MessageTypeDelivered, "m1", epoch))
	require.NoError(err)
	require.Equal(wire.AcceptedDelivered, ack.Status)
	require.Equal([]string{"m2"}, f.pendingIDs(t, bobID))
	require.IsType(wire.DeliveryReceipt{}, f.live.got[aliceID][0])

	// A read receipt is routed but clears nothing.
	_, err = f.r.Route(ctx, bobID, wire.TypeDeliveryReceipt, f.seal(t, bobID, aliceID, domain.MessageTypeRead, "m2", epoch))
	require.NoError(err)
	require.Equal([]string{"m2"}, f.pendingIDs(t, bobID))
	require.Equal([]string{"m1", "m2"}, f.pendingIDs(t, aliceID))

	_, err = f.r.Route(ctx, bobID, wire.TypeDeliveryReceipt, f.seal(t, bobID, aliceID, domain.MessageTypeChat, "m3", epoch))
	require.ErrorIs(err, domain.ErrInvalidPayload)
}

func TestFetch_PaginationAndAck(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	for i := range 5 {
		_, err := f.r.Route(ctx, aliceID, wire.TypeSendMessage, f.seal(t, aliceID, bobID, domain.MessageTypeChat, "m"+strconv.Itoa(i), epoch))
		require.NoError(err)
	}

	var seen []string
	req := wire.FetchPending{Limit: 2}
	for pages := 0; ; pages++ {
		require.Less(pages, 10)
		resp, err := f.r.Fetch(ctx, bobID, req)
		require.NoError(err)
		var ack []string
		for _, e := range resp.Messages {
			seen = append(seen, e.MessageID)
			ack = append(ack, e.MessageID)
		}
		if resp.NextCursor == "" {
			_, err := f.r.Fetch(ctx, bobID, wire.FetchPending{Ack: ack})
			require.NoError(err)
			break
		}
		req = wire.FetchPending{Limit: 2, Cursor: resp.NextCursor, Ack: ack}
	}
	require.Equal([]string{"m0", "m1", "m2", "m3", "m4"}, seen)
	require.Empty(f.pendingIDs(t, bobID))

	_, err := f.r.Fetch(ctx, bobID, wire.FetchPending{Cursor: "nope"})
	require.ErrorIs(err, domain.ErrInvalidPayload)
}

func TestFetch_LimitClamped(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	for i := range MaxFetchLimit + 20 {
		env := f.seal(t, aliceID, bobID, domain.MessageTypeChat, "m-"+strconv.Itoa(i), epoch)
		_, _, err := f.db.PutPending(bobID, env, epoch.UnixMilli())
		require.NoError(err)
	}

	resp, err := f.r.Fetch(context.Background(), bobID, wire.FetchPending{})
	require.NoError(err)
	require.Len(resp.Messages, DefaultFetchLimit)

	resp, err = f.r.Fetch(context.Background(), bobID, wire.FetchPending{Limit: 1000})
	require.NoError(err)
	require.Len(resp.Messages, MaxFetchLimit)
	require.NotEmpty(resp.NextCursor)
}

func TestSweep_Retention(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	_, err := f.r.Route(context.Background(), aliceID, wire.TypeSendMessage, f.seal(t, aliceID, bobID, domain.MessageTypeChat, "m1", epoch))
	require.NoError(err)

	f.clock = epoch.Add(DefaultRetention)
	n, err := f.r.Sweep()
	require.NoError(err)
	require.Zero(n)

	f.clock = epoch.Add(DefaultRetention + time.Millisecond)
	n, err = f.r.Sweep()
	require.NoError(err)
	require.Equal(1, n)
	require.Equal(1.0, testutil.ToFloat64(f.m.PendingExpired))
}

func TestRoute_RateLimited(t *testing.T) {
	f := newFixture(t, WithLimiter(ratelimit.New(1, 2, time.Minute)))
	ctx := context.Background()
	for i := range 2 {
		_, err := f.r.Route(ctx, aliceID, wire.TypeSendMessage, f.seal(t, aliceID, bobID, domain.MessageTypeChat, strconv.Itoa(i), epoch))
		require.NoError(t, err)
	}
	_, err := f.r.Route(ctx, aliceID, wire.TypeSendMessage, f.seal(t, aliceID, bobID, domain.MessageTypeChat, "x", epoch))
	require.ErrorIs(t, err, domain.ErrRateLimited)
}
