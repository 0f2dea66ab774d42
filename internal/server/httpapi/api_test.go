package httpapi_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"whisper/internal/crypto"
	"whisper/internal/domain"
	"whisper/internal/log"
	"whisper/internal/metrics"
	"whisper/internal/protocol/api"
	"whisper/internal/protocol/canonical"
	"whisper/internal/protocol/wire"
	"whisper/internal/relay"
	"whisper/internal/server/auth"
	"whisper/internal/server/httpapi"
	"whisper/internal/server/store"
)

const aliceWords = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type fixture struct {
	url   string
	api   *httpapi.API
	m     *metrics.Relay
	alice domain.WhisperID
	token string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	require := require.New(t)
	lb := log.NewDiscard()
	dir := t.TempDir()
	db, err := store.OpenDB(filepath.Join(dir, "relay.db"))
	require.NoError(err)
	t.Cleanup(func() { _ = db.Close() })
	blobs, err := store.NewBlobs(filepath.Join(dir, "blobs"))
	require.NoError(err)

	a := auth.New(db, lb.GetLogger("auth"))
	id, err := crypto.DeriveIdentity(aliceWords, "")
	require.NoError(err)
	ch, err := a.Begin(wire.RegisterBegin{
		ProtocolVersion: wire.ProtocolVersion,
		CryptoVersion:   wire.CryptoVersion,
		DeviceID:        "dev-a",
	})
	require.NoError(err)
	ack, _, err := a.Complete(wire.RegisterProof{
		ProtocolVersion: wire.ProtocolVersion,
		CryptoVersion:   wire.CryptoVersion,
		ChallengeID:     ch.ChallengeID,
		DeviceID:        "dev-a",
		EncPublicKey:    id.EncPublicKey[:],
		SignPublicKey:   id.SignPublicKey[:],
		Signature:       canonical.SignChallenge(ch.Challenge, id.SignPrivateKey),
	})
	require.NoError(err)

	f := &fixture{m: metrics.NewRelay(prometheus.NewRegistry()), alice: ack.WhisperID, token: ack.SessionToken}
	var h http.Handler
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { h.ServeHTTP(w, r) }))
	t.Cleanup(hs.Close)
	f.url = hs.URL
	f.api = httpapi.New(httpapi.Config{PublicURL: hs.URL, URLSecret: []byte("url-secret")},
		a, a, db, blobs, f.m, lb.GetLogger("http"))
	h = f.api.Handler()
	return f
}

func (f *fixture) client() *relay.HTTP {
	return relay.NewHTTP(f.url, func() string { return f.token })
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	c := relay.NewHTTP(f.url, nil)
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", h.Status)
}

func TestReadyReportsCheck(t *testing.T) {
	f := newFixture(t)
	f.api.SetReady(func() error { return domain.Errorf(domain.CodeInternal, "db closed") })
	resp, err := http.Get(f.url + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestUserKeys(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	pk, err := f.client().PeerKeys(ctx, f.alice)
	require.NoError(err)
	require.Equal(f.alice, pk.WhisperID)
	require.Len(pk.SignPublicKey, 32)

	_, err = f.client().PeerKeys(ctx, "WSP-ZZZZ-ZZZZ-ZZZZ")
	require.ErrorIs(err, domain.ErrNotFound)

	anon := relay.NewHTTP(f.url, nil)
	_, err = anon.PeerKeys(ctx, f.alice)
	require.ErrorIs(err, domain.ErrAuthFailed)
}

func TestAttachmentRoundTrip(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	c := f.client()
	blob := bytes.Repeat([]byte{0xAB}, 1024)

	up, err := c.PresignUpload(ctx, "image/png", int64(len(blob)))
	require.NoError(err)
	require.True(httpapi.ValidObjectKey(up.ObjectKey))
	require.Contains(up.ObjectKey, string(f.alice))
	require.NoError(c.Upload(ctx, up, blob))

	down, err := c.PresignDownload(ctx, up.ObjectKey)
	require.NoError(err)
	got, err := c.Download(ctx, down)
	require.NoError(err)
	require.Equal(blob, got)
	require.Equal(1.0, testutil.ToFloat64(f.m.AttachmentsSeen))

	// An upload URL does not authorize a download.
	_, err = c.Download(ctx, api.Presigned{DownloadURL: up.UploadURL})
	require.ErrorIs(err, domain.ErrAuthFailed)
}

func TestPresignRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client()

	_, err := c.PresignUpload(ctx, "application/x-msdownload", 10)
	require.ErrorIs(t, err, domain.ErrInvalidPayload)

	for _, key := range []string{
		"attachments/../etc/passwd",
		"attachments/WSP-AAAA-BBBB-CCCC",
		"/attachments/a/b",
		"backups/a/b",
		"attachments/a/b/c",
	} {
		_, err := c.PresignDownload(ctx, key)
		require.ErrorIs(t, err, domain.ErrInvalidPayload, key)
	}
}

func TestBlobURLExpires(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	f.api.SetClock(func() time.Time { return now })

	up, err := f.client().PresignUpload(ctx, "text/plain", 3)
	require.NoError(err)
	now = now.Add(httpapi.DefaultURLTTL + time.Second)
	err = f.client().Upload(ctx, up, []byte("abc"))
	require.ErrorIs(err, domain.ErrAuthFailed)

	u, err := url.Parse(up.UploadURL)
	require.NoError(err)
	q := u.Query()
	q.Set("exp", "99999999999999")
	u.RawQuery = q.Encode()
	err = f.client().Upload(ctx, api.Presigned{UploadURL: u.String()}, []byte("abc"))
	require.ErrorIs(err, domain.ErrAuthFailed)
}

func TestContactsBackup(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	c := f.client()

	_, err := c.GetBackup(ctx)
	require.ErrorIs(err, domain.ErrNotFound)

	nonce := bytes.Repeat([]byte{1}, 24)
	put, err := c.PutBackup(ctx, nonce, []byte("sealed contacts"))
	require.NoError(err)
	require.Equal(len("sealed contacts"), put.SizeBytes)

	got, err := c.GetBackup(ctx)
	require.NoError(err)
	require.Equal(nonce, got.Nonce)
	require.Equal([]byte("sealed contacts"), got.Ciphertext)

	_, err = c.PutBackup(ctx, nonce, make([]byte, api.MaxBackupBytes+1))
	require.ErrorIs(err, domain.ErrInvalidPayload)

	require.NoError(c.DeleteBackup(ctx))
	require.NoError(c.DeleteBackup(ctx))
	_, err = c.GetBackup(ctx)
	require.ErrorIs(err, domain.ErrNotFound)
	require.Equal(1.0, testutil.ToFloat64(f.m.BackupsStored))
}
