// Package canonical builds and signs the v1 canonical string of a signed
// envelope.
//
// The byte layout is frozen: one field per line, each line terminated by
// "\n", in the order
//
//	v1
//	messageType
//	messageId
//	from
//	toOrGroupId
//	timestamp (decimal milliseconds)
//	base64(nonce)
//	base64(ciphertext)
//
// The signature is Ed25519 over SHA-256 of those bytes, not over the bytes
// themselves. Altering any of this requires a new version tag.
package canonical

import (
	"crypto/sha256"
	"strconv"
	"strings"

	"whisper/internal/crypto"
	"whisper/internal/domain"
)

// Version is the leading line of every canonical string.
const Version = "v1"

// String returns the canonical string for env. Sig is ignored.
func String(env domain.SignedEnvelope) string {
	var b strings.Builder
	for _, line := range []string{
		Version,
		env.MessageType,
		env.MessageID,
		env.From.String(),
		env.To.String(),
		strconv.FormatInt(env.Timestamp, 10),
		crypto.B64(env.Nonce),
		crypto.B64(env.Ciphertext),
	} {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// Digest is SHA-256 of the canonical string.
func Digest(env domain.SignedEnvelope) [32]byte {
	return sha256.Sum256([]byte(String(env)))
}

// Sign fills env.Sig and returns the signed envelope.
func Sign(env domain.SignedEnvelope, priv domain.Ed25519Private) domain.SignedEnvelope {
	d := Digest(env)
	env.Sig = crypto.SignEd25519(priv, d[:])
	return env
}

// Verify checks env.Sig against pub. It returns domain.ErrSignatureFailed
// on mismatch.
func Verify(env domain.SignedEnvelope, pub domain.Ed25519Public) error {
	d := Digest(env)
	if !crypto.VerifyEd25519(pub, d[:], env.Sig) {
		return domain.ErrSignatureFailed
	}
	return nil
}

// SignChallenge signs SHA-256(challenge), used during registration.
func SignChallenge(challenge []byte, priv domain.Ed25519Private) []byte {
	d := sha256.Sum256(challenge)
	return crypto.SignEd25519(priv, d[:])
}

// VerifyChallenge checks a registration proof.
func VerifyChallenge(challenge, sig []byte, pub domain.Ed25519Public) bool {
	d := sha256.Sum256(challenge)
	return crypto.VerifyEd25519(pub, d[:], sig)
}
