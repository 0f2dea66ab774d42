package crypto

import (
	"golang.org/x/crypto/curve25519"

	"whisper/internal/domain"
)

// X25519FromSeed uses seed directly as the private scalar. Clamping happens
// inside the scalar multiplication only, so the stored private key is the raw
// seed on every platform.
func X25519FromSeed(seed [32]byte) (priv domain.X25519Private, pub domain.X25519Public, err error) {
	priv = domain.X25519Private(seed)
	pb, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], pb)
	return priv, pub, nil
}

// DH computes X25519 Diffie–Hellman.
func DH(priv domain.X25519Private, pub domain.X25519Public) (out [32]byte, err error) {
	secret, err := curve25519.X25519(priv.Slice(), pub.Slice())
	if err != nil {
		return out, err
	}
	copy(out[:], secret)
	return out, nil
}
