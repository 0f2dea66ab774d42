package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"whisper/internal/domain"
	"whisper/internal/store"
)

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "whisper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestIdentity_SaveLoad_OK(t *testing.T) {
	home := t.TempDir()
	var ids domain.IdentityStore = store.NewIdentityFileStore(home)

	id := domain.Identity{
		WhisperID:      "WSP-AAAA-BBBB-CCCC",
		EncPublicKey:   domain.X25519Public{1},
		EncPrivateKey:  domain.X25519Private{2},
		SignPublicKey:  domain.Ed25519Public{3},
		SignPrivateKey: domain.Ed25519Private{4},
		ContactsKey:    domain.SymmetricKey{5},
	}
	require.NoError(t, ids.SaveIdentity("pass", id))

	got, err := ids.LoadIdentity("pass")
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestIdentity_WrongPassphrase_Fails(t *testing.T) {
	ids := store.NewIdentityFileStore(t.TempDir())
	require.NoError(t, ids.SaveIdentity("correct", domain.Identity{EncPublicKey: domain.X25519Public{1}}))

	_, err := ids.LoadIdentity("wrong")
	require.ErrorIs(t, err, store.ErrWrongPassphrase)
}

func TestIdentity_Missing(t *testing.T) {
	_, err := store.NewIdentityFileStore(t.TempDir()).LoadIdentity("x")
	require.ErrorIs(t, err, store.ErrNoIdentity)
}

func TestAccount_SaveLoadDelete(t *testing.T) {
	require := require.New(t)
	s := store.NewAccountFileStore(t.TempDir())

	_, ok, err := s.LoadAccountProfile("ws://relay")
	require.NoError(err)
	require.False(ok)

	p := domain.AccountProfile{ServerURL: "ws://Relay/", WhisperID: "WSP-A", DeviceID: "dev", SessionToken: "tok"}
	require.NoError(s.SaveAccountProfile(p))

	got, ok, err := s.LoadAccountProfile("ws://relay")
	require.NoError(err)
	require.True(ok)
	require.Equal(p, got)

	require.NoError(s.DeleteAccountProfile("ws://relay"))
	_, ok, err = s.LoadAccountProfile("ws://relay")
	require.NoError(err)
	require.False(ok)
}

func TestOutbox_PersistsEnqueueOrder(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "whisper.db")
	db, err := store.OpenDB(path)
	require.NoError(err)

	for _, id := range []string{"c", "a", "b"} {
		_, err := db.PutOutboxItem(domain.OutboxItem{LocalID: id, ConversationID: "WSP-B", State: domain.OutboxQueued})
		require.NoError(err)
	}
	_, err = db.PutOutboxItem(domain.OutboxItem{LocalID: "a"})
	require.Error(err)

	it, err := db.ListOutboxItems()
	require.NoError(err)
	it[1].State = domain.OutboxFailed
	require.NoError(db.UpdateOutboxItem(it[1]))
	require.NoError(db.DeleteOutboxItem("c"))
	require.NoError(db.Close())

	db, err = store.OpenDB(path)
	require.NoError(err)
	defer db.Close()
	items, err := db.ListOutboxItems()
	require.NoError(err)
	require.Len(items, 2)
	require.Equal("a", items[0].LocalID)
	require.Equal(domain.OutboxFailed, items[0].State)
	require.Equal("b", items[1].LocalID)
	require.Less(items[0].Seq, items[1].Seq)

	require.ErrorIs(db.UpdateOutboxItem(domain.OutboxItem{LocalID: "zzz"}), domain.ErrNotFound)
}

func TestMessages_SaveInboundIsIdempotent(t *testing.T) {
	require := require.New(t)
	db := openDB(t)

	msg := domain.StoredMessage{
		ConversationID: "WSP-A",
		MessageID:      "m1",
		From:           "WSP-A",
		Timestamp:      10,
		Direction:      domain.DirectionIn,
		Content:        domain.MessageContent{Kind: domain.ContentText, Text: "hi"},
	}
	applied, err := db.SaveInbound(msg)
	require.NoError(err)
	require.True(applied)

	applied, err = db.SaveInbound(msg)
	require.NoError(err)
	require.False(applied)

	c, ok, err := db.Counters("WSP-A")
	require.NoError(err)
	require.True(ok)
	require.Equal(1, c.UnreadCount)
	require.Equal("hi", c.LastMessagePreview)
	require.EqualValues(10, c.LastMessageAt)

	has, err := db.HasMessage("WSP-A", "m1")
	require.NoError(err)
	require.True(has)

	require.NoError(db.MarkRead("WSP-A"))
	c, _, err = db.Counters("WSP-A")
	require.NoError(err)
	require.Zero(c.UnreadCount)
}

func TestMessages_OutboundAndStatus(t *testing.T) {
	require := require.New(t)
	db := openDB(t)

	require.NoError(db.SaveOutbound(domain.StoredMessage{
		ConversationID: "WSP-B", MessageID: "m2", Timestamp: 20, Status: domain.StatusPending,
		Direction: domain.DirectionOut, Content: domain.MessageContent{Kind: domain.ContentImage},
	}))
	require.NoError(db.SaveOutbound(domain.StoredMessage{
		ConversationID: "WSP-B", MessageID: "m1", Timestamp: 5, Status: domain.StatusSent,
		Direction: domain.DirectionOut, Content: domain.MessageContent{Kind: domain.ContentText, Text: "first"},
	}))
	require.NoError(db.UpdateStatus("WSP-B", "m2", domain.StatusRead))

	ms, err := db.ListMessages("WSP-B")
	require.NoError(err)
	require.Len(ms, 2)
	require.Equal("m1", ms[0].MessageID)
	require.Equal(domain.StatusRead, ms[1].Status)

	c, _, err := db.Counters("WSP-B")
	require.NoError(err)
	require.Zero(c.UnreadCount)
	require.Equal("[image]", c.LastMessagePreview)

	require.ErrorIs(db.UpdateStatus("WSP-B", "nope", domain.StatusRead), domain.ErrNotFound)
}

func TestMessageStatusNeverMovesBack(t *testing.T) {
	require := require.New(t)
	db := openDB(t)

	require.NoError(db.SaveOutbound(domain.StoredMessage{
		ConversationID: "WSP-B", MessageID: "m1", From: "WSP-A", To: "WSP-B", Timestamp: 1,
		Direction: domain.DirectionOut, Status: domain.StatusPending,
		Content: domain.MessageContent{Kind: domain.ContentText, Text: "hi"},
	}))
	status := func() string {
		ms, err := db.ListMessages("WSP-B")
		require.NoError(err)
		return ms[0].Status
	}

	require.NoError(db.UpdateStatus("WSP-B", "m1", domain.StatusRead))
	require.NoError(db.UpdateStatus("WSP-B", "m1", domain.StatusDelivered))
	require.Equal(domain.StatusRead, status())

	require.NoError(db.UpdateStatus("WSP-B", "m1", domain.StatusFailed))
	require.Equal(domain.StatusRead, status())
}
