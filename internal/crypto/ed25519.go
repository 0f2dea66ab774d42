package crypto

import (
	"crypto/ed25519"

	"whisper/internal/domain"
)

// Ed25519FromSeed expands a 32 byte seed into an Ed25519 key pair.
func Ed25519FromSeed(seed [32]byte) (priv domain.Ed25519Private, pub domain.Ed25519Public) {
	sk := ed25519.NewKeyFromSeed(seed[:])
	copy(priv[:], sk)
	copy(pub[:], sk.Public().(ed25519.PublicKey))
	Wipe(sk)
	return priv, pub
}

// SignEd25519 signs msg with priv and returns the signature.
func SignEd25519(priv domain.Ed25519Private, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv[:]), msg)
}

// VerifyEd25519 verifies sig over msg with pub.
func VerifyEd25519(pub domain.Ed25519Public, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}
