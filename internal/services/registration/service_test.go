package registration_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whisper/internal/crypto"
	"whisper/internal/domain"
	"whisper/internal/log"
	"whisper/internal/protocol/canonical"
	"whisper/internal/protocol/wire"
	"whisper/internal/services/registration"
	"whisper/internal/store"
)

const serverURL = "wss://relay.example.org/ws"

// fakeRelay answers the handshake the way the relay does.
type fakeRelay struct {
	t         *testing.T
	assign    domain.WhisperID
	challenge []byte
	begins    []wire.RegisterBegin
	proofs    []wire.RegisterProof
}

func (r *fakeRelay) Send(context.Context, wire.Message) error { return nil }

func (r *fakeRelay) Request(_ context.Context, m wire.Message) (wire.Frame, error) {
	switch v := m.(type) {
	case wire.RegisterBegin:
		r.begins = append(r.begins, v)
		r.challenge = []byte("0123456789abcdef0123456789abcdef")
		return wire.Encode("1", wire.RegisterChallenge{ChallengeID: "c1", Challenge: r.challenge, ExpiresAt: time.Now().Add(time.Minute).UnixMilli()})
	case wire.RegisterProof:
		r.proofs = append(r.proofs, v)
		var pub domain.Ed25519Public
		copy(pub[:], v.SignPublicKey)
		if !canonical.VerifyChallenge(r.challenge, v.Signature, pub) {
			return wire.Frame{}, domain.Errorf(domain.CodeAuthFailed, "bad signature")
		}
		return wire.Encode("2", wire.RegisterAck{
			Success:          true,
			WhisperID:        r.assign,
			SessionToken:     "tok",
			SessionExpiresAt: time.Now().Add(7 * 24 * time.Hour).UnixMilli(),
		})
	}
	r.t.Fatalf("unexpected %T", m)
	return wire.Frame{}, nil
}

func newService(t *testing.T) (*registration.Service, *registration.Session, *store.AccountFileStore) {
	t.Helper()
	id, err := crypto.DeriveIdentity("abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", "")
	require.NoError(t, err)
	sess := registration.NewSession(id)
	accounts := store.NewAccountFileStore(t.TempDir())
	return registration.New(serverURL, accounts, sess, log.NewDiscard().GetLogger("reg")), sess, accounts
}

func TestRegister_FirstTimeStoresProfile(t *testing.T) {
	require := require.New(t)
	svc, sess, accounts := newService(t)
	relay := &fakeRelay{t: t, assign: "WSP-AAAA-BBBB-CCCC"}

	var got domain.AccountProfile
	svc.OnRegistered(func(p domain.AccountProfile) { got = p })

	require.NoError(svc.Register(context.Background(), relay))
	require.Equal(domain.WhisperID("WSP-AAAA-BBBB-CCCC"), sess.WhisperID())
	require.Equal("tok", sess.SessionToken())
	require.Equal(domain.WhisperID("WSP-AAAA-BBBB-CCCC"), got.WhisperID)
	require.Empty(relay.begins[0].WhisperID)
	require.Equal(wire.ProtocolVersion, relay.begins[0].ProtocolVersion)

	p, ok, err := accounts.LoadAccountProfile(serverURL)
	require.NoError(err)
	require.True(ok)
	require.NotEmpty(p.DeviceID)
}

func TestRegister_ReconnectReusesDeviceAndID(t *testing.T) {
	require := require.New(t)
	svc, _, _ := newService(t)
	relay := &fakeRelay{t: t, assign: "WSP-AAAA-BBBB-CCCC"}

	require.NoError(svc.Register(context.Background(), relay))
	require.NoError(svc.Register(context.Background(), relay))

	require.Equal(relay.begins[0].DeviceID, relay.begins[1].DeviceID)
	require.Equal(domain.WhisperID("WSP-AAAA-BBBB-CCCC"), relay.begins[1].WhisperID)
}

func TestRegister_MismatchedWhisperIDIsAuthFailure(t *testing.T) {
	svc, _, _ := newService(t)
	relay := &fakeRelay{t: t, assign: "WSP-AAAA-BBBB-CCCC"}
	require.NoError(t, svc.Register(context.Background(), relay))

	relay.assign = "WSP-ZZZZ-ZZZZ-ZZZZ"
	err := svc.Register(context.Background(), relay)
	require.ErrorIs(t, err, domain.ErrAuthFailed)
}

func TestLogoutClearsSession(t *testing.T) {
	svc, sess, accounts := newService(t)
	require.NoError(t, svc.Register(context.Background(), &fakeRelay{t: t, assign: "WSP-AAAA-BBBB-CCCC"}))

	require.NoError(t, svc.Logout())
	require.Empty(t, sess.SessionToken())
	_, ok, err := accounts.LoadAccountProfile(serverURL)
	require.NoError(t, err)
	require.False(t, ok)
}
