package message_test

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"whisper/internal/crypto"
	"whisper/internal/dedup"
	"whisper/internal/domain"
	"whisper/internal/log"
	"whisper/internal/protocol/api"
	"whisper/internal/protocol/envelope"
	"whisper/internal/protocol/wire"
	"whisper/internal/services/message"
	"whisper/internal/store"
)

const (
	aliceID = domain.WhisperID("WSP-AAAA-BBBB-CCCC")
	bobID   = domain.WhisperID("WSP-DDDD-EEEE-FFFF")
)

var words = map[domain.WhisperID]string{
	aliceID: "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about",
	bobID:   "legal winner thank year wave sausage worth useful legal winner thank yellow",
}

type session struct{ id domain.Identity }

func (s session) Identity() (domain.Identity, bool) { return s.id, true }
func (s session) SessionToken() string             { return "tok" }

type directory map[domain.WhisperID]domain.PublicKeys

func (d directory) PeerKeys(_ context.Context, id domain.WhisperID) (domain.PublicKeys, error) {
	pk, ok := d[id]
	if !ok {
		return domain.PublicKeys{}, domain.ErrNotFound
	}
	return pk, nil
}

type queued struct {
	conv      domain.ConversationID
	frameType string
	env       domain.SignedEnvelope
}

type fakeOutbox struct {
	mu    sync.Mutex
	items []queued
}

func (o *fakeOutbox) Enqueue(conv domain.ConversationID, frameType string, env domain.SignedEnvelope) (domain.OutboxItem, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(o.items, queued{conv, frameType, env})
	return domain.OutboxItem{LocalID: strconv.Itoa(len(o.items)), ConversationID: conv, FrameType: frameType, Envelope: env}, nil
}

func (o *fakeOutbox) ofType(frameType string) []queued {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []queued
	for _, q := range o.items {
		if q.frameType == frameType {
			out = append(out, q)
		}
	}
	return out
}

// pendingRelay serves fetch_pending from an in-memory queue keyed by
// sequence number and honours acks the way the relay does.
type pendingRelay struct {
	mu       sync.Mutex
	seq      int
	queue    []pendingEntry
	pageSize int
	requests []wire.FetchPending
}

type pendingEntry struct {
	seq int
	env domain.SignedEnvelope
}

func (r *pendingRelay) push(env domain.SignedEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.queue = append(r.queue, pendingEntry{r.seq, env})
}

func (r *pendingRelay) Send(context.Context, wire.Message) error { return nil }

func (r *pendingRelay) Request(_ context.Context, m wire.Message) (wire.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch v := m.(type) {
	case wire.FetchPending:
		r.requests = append(r.requests, v)
		acked := map[string]bool{}
		for _, id := range v.Ack {
			acked[id] = true
		}
		var kept []pendingEntry
		for _, e := range r.queue {
			if !acked[e.env.MessageID] {
				kept = append(kept, e)
			}
		}
		r.queue = kept

		after := 0
		if v.Cursor != "" {
			after, _ = strconv.Atoi(v.Cursor)
		}
		var page []domain.SignedEnvelope
		next := ""
		for _, e := range r.queue {
			if e.seq <= after {
				continue
			}
			if len(page) == v.Limit {
				next = strconv.Itoa(after)
				break
			}
			page = append(page, e.env)
			after = e.seq
		}
		return wire.Encode("x", wire.PendingMessages{Messages: page, NextCursor: next})
	case wire.SendMessage:
		return wire.Encode("x", wire.MessageAccepted{MessageID: v.MessageID, Status: wire.AcceptedStored})
	case wire.DeliveryReceipt:
		return wire.Encode("x", wire.MessageAccepted{MessageID: v.MessageID, Status: wire.AcceptedDelivered})
	}
	return wire.Frame{}, domain.ErrInvalidPayload
}

type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (b *memBlobs) PresignUpload(_ context.Context, ct string, size int64) (api.Presigned, error) {
	return api.Presigned{ObjectKey: "attachments/WSP-AAAA-BBBB-CCCC/blob-1", UploadURL: "mem://up"}, nil
}
func (b *memBlobs) Upload(_ context.Context, p api.Presigned, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[p.ObjectKey] = append([]byte(nil), body...)
	return nil
}
func (b *memBlobs) PresignDownload(_ context.Context, key string) (api.Presigned, error) {
	return api.Presigned{ObjectKey: key, DownloadURL: "mem://down"}, nil
}
func (b *memBlobs) Download(_ context.Context, p api.Presigned) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blobs[p.ObjectKey], nil
}

type client struct {
	id     domain.Identity
	svc    *message.Service
	db     *store.DB
	outbox *fakeOutbox
	relay  *pendingRelay
}

func newClients(t *testing.T) (alice, bob *client) {
	t.Helper()
	dir := directory{}
	blobs := &memBlobs{blobs: map[string][]byte{}}
	mk := func(wid domain.WhisperID) *client {
		ident, err := crypto.DeriveIdentity(words[wid], "")
		require.NoError(t, err)
		ident.WhisperID = wid
		dir[wid] = envelope.PublicKeysOf(ident)

		db, err := store.OpenDB(filepath.Join(t.TempDir(), "whisper.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		dd, err := dedup.New(dedup.DefaultSize)
		require.NoError(t, err)

		c := &client{id: ident, db: db, outbox: &fakeOutbox{}, relay: &pendingRelay{pageSize: 2}}
		c.svc = message.New(session{ident}, c.relay, dir, db, c.outbox, dd, blobs, log.NewDiscard().GetLogger("message"))
		c.svc.SetPageSize(2)
		return c
	}
	return mk(aliceID), mk(bobID)
}

func (c *client) lastChat(t *testing.T) domain.SignedEnvelope {
	t.Helper()
	qs := c.outbox.ofType(wire.TypeSendMessage)
	require.NotEmpty(t, qs)
	return qs[len(qs)-1].env
}

func TestSendAndReceive(t *testing.T) {
	require := require.New(t)
	alice, bob := newClients(t)
	ctx := context.Background()

	sent, err := alice.svc.SendText(ctx, bobID, "hello bob", "")
	require.NoError(err)
	require.Equal(domain.StatusPending, sent.Status)

	env := alice.lastChat(t)
	require.Equal(domain.MessageTypeChat, env.MessageType)
	require.Equal(sent.MessageID, env.MessageID)
	require.NotContains(string(env.Ciphertext), "hello")

	var got []domain.StoredMessage
	bob.svc.OnMessage(func(m domain.StoredMessage) { got = append(got, m) })

	applied, err := bob.svc.Receive(ctx, env)
	require.NoError(err)
	require.True(applied)
	require.Len(got, 1)
	require.Equal("hello bob", got[0].Content.Text)

	receipts := bob.outbox.ofType(wire.TypeDeliveryReceipt)
	require.Len(receipts, 1)
	require.Equal(domain.MessageTypeDelivered, receipts[0].env.MessageType)
	require.Equal(sent.MessageID, receipts[0].env.MessageID)
	require.Equal(domain.ConversationID(aliceID), receipts[0].conv)
}

func TestReceive_DuplicateCountsOnce(t *testing.T) {
	require := require.New(t)
	alice, bob := newClients(t)
	ctx := context.Background()

	_, err := alice.svc.SendText(ctx, bobID, "once", "")
	require.NoError(err)
	env := alice.lastChat(t)

	calls := 0
	bob.svc.OnMessage(func(domain.StoredMessage) { calls++ })
	for i := 0; i < 3; i++ {
		_, err := bob.svc.Receive(ctx, env)
		require.NoError(err)
	}
	require.Equal(1, calls)

	c, ok, err := bob.db.Counters(domain.ConversationID(aliceID))
	require.NoError(err)
	require.True(ok)
	require.Equal(1, c.UnreadCount)
	require.Len(bob.outbox.ofType(wire.TypeDeliveryReceipt), 1)
}

func TestReceive_StoreGuardsAfterCacheLoss(t *testing.T) {
	require := require.New(t)
	alice, bob := newClients(t)
	ctx := context.Background()

	_, err := alice.svc.SendText(ctx, bobID, "persisted", "")
	require.NoError(err)
	env := alice.lastChat(t)
	_, err = bob.svc.Receive(ctx, env)
	require.NoError(err)

	// A restarted client has an empty dedup cache but the same store.
	dd, err := dedup.New(dedup.DefaultSize)
	require.NoError(err)
	dir := directory{aliceID: envelope.PublicKeysOf(alice.id), bobID: envelope.PublicKeysOf(bob.id)}
	restarted := message.New(session{bob.id}, bob.relay, dir, bob.db, bob.outbox, dd, nil, log.NewDiscard().GetLogger("message"))

	applied, err := restarted.Receive(ctx, env)
	require.NoError(err)
	require.False(applied)

	c, _, err := bob.db.Counters(domain.ConversationID(aliceID))
	require.NoError(err)
	require.Equal(1, c.UnreadCount)
}

func TestReceive_TamperedEnvelopeLeavesNoTrace(t *testing.T) {
	require := require.New(t)
	alice, bob := newClients(t)
	ctx := context.Background()

	_, err := alice.svc.SendText(ctx, bobID, "hi", "")
	require.NoError(err)
	env := alice.lastChat(t)
	env.Ciphertext = append([]byte(nil), env.Ciphertext...)
	env.Ciphertext[0] ^= 1

	_, err = bob.svc.Receive(ctx, env)
	require.ErrorIs(err, domain.ErrSignatureFailed)

	has, err := bob.db.HasMessage(domain.ConversationID(aliceID), env.MessageID)
	require.NoError(err)
	require.False(has)
	require.Empty(bob.outbox.ofType(wire.TypeDeliveryReceipt))
}

func TestReceipts_AdvanceOutgoingStatus(t *testing.T) {
	require := require.New(t)
	alice, bob := newClients(t)
	ctx := context.Background()

	sent, err := alice.svc.SendText(ctx, bobID, "status?", "")
	require.NoError(err)
	_, err = bob.svc.Receive(ctx, alice.lastChat(t))
	require.NoError(err)

	var events []message.ReceiptEvent
	alice.svc.OnReceipt(func(ev message.ReceiptEvent) { events = append(events, ev) })

	delivered := bob.outbox.ofType(wire.TypeDeliveryReceipt)[0].env
	applied, err := alice.svc.Receive(ctx, delivered)
	require.NoError(err)
	require.True(applied)

	require.NoError(bob.svc.MarkRead(ctx, aliceID))
	c, _, err := bob.db.Counters(domain.ConversationID(aliceID))
	require.NoError(err)
	require.Zero(c.UnreadCount)

	rs := bob.outbox.ofType(wire.TypeDeliveryReceipt)
	require.Len(rs, 2)
	read := rs[1].env
	require.Equal(domain.MessageTypeRead, read.MessageType)
	_, err = alice.svc.Receive(ctx, read)
	require.NoError(err)

	// A late delivered receipt does not move the status back.
	_, err = alice.svc.Receive(ctx, delivered)
	require.NoError(err)

	ms, err := alice.db.ListMessages(domain.ConversationID(bobID))
	require.NoError(err)
	require.Equal(sent.MessageID, ms[0].MessageID)
	require.Equal(domain.StatusRead, ms[0].Status)
	require.Len(events, 2)

	// Reading again sends nothing new.
	require.NoError(bob.svc.MarkRead(ctx, aliceID))
	require.Len(bob.outbox.ofType(wire.TypeDeliveryReceipt), 2)
}

func TestTransmit_MarksSent(t *testing.T) {
	require := require.New(t)
	alice, _ := newClients(t)
	ctx := context.Background()

	sent, err := alice.svc.SendText(ctx, bobID, "go", "")
	require.NoError(err)
	q := alice.outbox.ofType(wire.TypeSendMessage)[0]

	require.NoError(alice.svc.Transmit(ctx, domain.OutboxItem{
		LocalID: "1", ConversationID: q.conv, FrameType: q.frameType, Envelope: q.env,
	}))
	ms, err := alice.db.ListMessages(domain.ConversationID(bobID))
	require.NoError(err)
	require.Equal(sent.MessageID, ms[0].MessageID)
	require.Equal(domain.StatusSent, ms[0].Status)

	alice.svc.OutboxFailed(domain.OutboxItem{ConversationID: q.conv, FrameType: q.frameType, Envelope: q.env})
	ms, err = alice.db.ListMessages(domain.ConversationID(bobID))
	require.NoError(err)
	require.Equal(domain.StatusFailed, ms[0].Status)
}

func TestFetchPending_PagesAndAcks(t *testing.T) {
	require := require.New(t)
	alice, bob := newClients(t)
	ctx := context.Background()

	var envs []domain.SignedEnvelope
	for i := 0; i < 5; i++ {
		_, err := alice.svc.SendText(ctx, bobID, "m"+strconv.Itoa(i), "")
		require.NoError(err)
		envs = append(envs, alice.lastChat(t))
	}
	forged := envs[4]
	forged.MessageID = "forged"

	// A redelivered copy shares the first page with the original and a
	// forgery sits in the middle of the backlog.
	bob.relay.push(envs[0])
	bob.relay.push(envs[0])
	bob.relay.push(envs[1])
	bob.relay.push(forged)
	for _, e := range envs[2:] {
		bob.relay.push(e)
	}

	n, err := bob.svc.FetchPending(ctx)
	require.NoError(err)
	require.Equal(5, n)
	require.Empty(bob.relay.queue)

	ms, err := bob.db.ListMessages(domain.ConversationID(aliceID))
	require.NoError(err)
	require.Len(ms, 5)

	first := bob.relay.requests[0]
	require.Equal(2, first.Limit)
	require.Empty(first.Ack)
	require.ElementsMatch([]string{envs[0].MessageID, envs[0].MessageID}, bob.relay.requests[1].Ack)

	c, _, err := bob.db.Counters(domain.ConversationID(aliceID))
	require.NoError(err)
	require.Equal(5, c.UnreadCount)

	// Nothing left: a second fetch is a single empty round trip.
	before := len(bob.relay.requests)
	n, err = bob.svc.FetchPending(ctx)
	require.NoError(err)
	require.Zero(n)
	require.Len(bob.relay.requests, before+1)
}

func TestAttachmentRoundTrip(t *testing.T) {
	require := require.New(t)
	alice, bob := newClients(t)
	ctx := context.Background()

	data := []byte("%PDF-1.7 not really a pdf")
	sent, err := alice.svc.SendAttachment(ctx, bobID, domain.ContentFile, "application/pdf", "doc.pdf", data)
	require.NoError(err)
	require.NotNil(sent.Content.Attachment)

	_, err = bob.svc.Receive(ctx, alice.lastChat(t))
	require.NoError(err)
	ms, err := bob.db.ListMessages(domain.ConversationID(aliceID))
	require.NoError(err)

	got, err := bob.svc.FetchAttachment(ctx, ms[0])
	require.NoError(err)
	require.Equal(data, got)
	require.Equal("[file]", ms[0].Content.Preview())

	_, err = alice.svc.SendAttachment(ctx, bobID, domain.ContentFile, "application/x-msdownload", "x.exe", data)
	require.ErrorIs(err, domain.ErrInvalidPayload)
}
