package canonical_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"whisper/internal/crypto"
	"whisper/internal/domain"
	"whisper/internal/protocol/canonical"
)

const abandonMnemonic = "abandon abandon abandon abandon abandon abandon " +
	"abandon abandon abandon abandon abandon about"

func vectorEnvelope() domain.SignedEnvelope {
	nonce := make([]byte, 24)
	for i := range nonce {
		nonce[i] = byte(i)
	}
	return domain.SignedEnvelope{
		MessageType: "send_message",
		MessageID:   "msg-0001",
		From:        "WSP-AAAA-BBBB-CCCC",
		To:          "WSP-DDDD-EEEE-FFFF",
		Timestamp:   1700000000000,
		Nonce:       nonce,
		Ciphertext:  []byte("ciphertext"),
	}
}

func vectorIdentity(t *testing.T) domain.Identity {
	t.Helper()
	id, err := crypto.DeriveIdentity(abandonMnemonic, "")
	require.NoError(t, err)
	return id
}

func TestString_FrozenLayout(t *testing.T) {
	require.Equal(t,
		"v1\nsend_message\nmsg-0001\nWSP-AAAA-BBBB-CCCC\nWSP-DDDD-EEEE-FFFF\n"+
			"1700000000000\nAAECAwQFBgcICQoLDA0ODxAREhMUFRYX\nY2lwaGVydGV4dA==\n",
		canonical.String(vectorEnvelope()))
}

func TestDigest_FrozenVector(t *testing.T) {
	d := canonical.Digest(vectorEnvelope())
	require.Equal(t, "6545b7201e74101e7e0e9db38018f1463b0f05f0c9661801e2a2d88150d45ee1", hex.EncodeToString(d[:]))
}

func TestSign_FrozenSignature(t *testing.T) {
	id := vectorIdentity(t)
	env := canonical.Sign(vectorEnvelope(), id.SignPrivateKey)
	require.Equal(t,
		"xj/kivRJgz15829uL7Kw3PmTr9rLZ4zM+Eij4H7z9gYc3RHuj3kW1uruuqK5z1d9Urpoy+2jUUuN90yrlIFaBQ==",
		crypto.B64(env.Sig))
	require.NoError(t, canonical.Verify(env, id.SignPublicKey))
}

func TestVerify_FieldFlipInvalidates(t *testing.T) {
	id := vectorIdentity(t)
	signed := canonical.Sign(vectorEnvelope(), id.SignPrivateKey)

	mutations := map[string]func(*domain.SignedEnvelope){
		"from":        func(e *domain.SignedEnvelope) { e.From = "WSP-ZZZZ-BBBB-CCCC" },
		"to":          func(e *domain.SignedEnvelope) { e.To = "WSP-DDDD-EEEE-FFFE" },
		"timestamp":   func(e *domain.SignedEnvelope) { e.Timestamp++ },
		"ciphertext":  func(e *domain.SignedEnvelope) { e.Ciphertext = []byte("ciphertexT") },
		"nonce":       func(e *domain.SignedEnvelope) { e.Nonce = append([]byte{0xff}, e.Nonce[1:]...) },
		"messageId":   func(e *domain.SignedEnvelope) { e.MessageID = "msg-0002" },
		"messageType": func(e *domain.SignedEnvelope) { e.MessageType = "delivered" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			env := signed
			env.Nonce = append([]byte(nil), signed.Nonce...)
			mutate(&env)
			require.ErrorIs(t, canonical.Verify(env, id.SignPublicKey), domain.ErrSignatureFailed)
		})
	}
}

func TestVerify_RawBytesSignatureRejected(t *testing.T) {
	id := vectorIdentity(t)
	env := vectorEnvelope()
	env.Sig = crypto.SignEd25519(id.SignPrivateKey, []byte(canonical.String(env)))
	require.ErrorIs(t, canonical.Verify(env, id.SignPublicKey), domain.ErrSignatureFailed)
}

func TestChallenge_RoundTrip(t *testing.T) {
	id := vectorIdentity(t)
	challenge := []byte("0123456789abcdef0123456789abcdef")
	sig := canonical.SignChallenge(challenge, id.SignPrivateKey)
	require.True(t, canonical.VerifyChallenge(challenge, sig, id.SignPublicKey))
	require.False(t, canonical.VerifyChallenge([]byte("other"), sig, id.SignPublicKey))
}
