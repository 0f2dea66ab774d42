package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"whisper/internal/domain"
)

// NonceSize is the XSalsa20-Poly1305 nonce length used by every construction
// here and enforced by the relay on inbound envelopes.
const NonceSize = 24

// NewNonce returns 24 fresh random bytes.
func NewNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("nonce: %w", err)
	}
	return n, nil
}

// SealBox encrypts plaintext for recipient with X25519 + XSalsa20-Poly1305.
// A new nonce is drawn on every call.
func SealBox(
	plaintext []byte,
	recipient domain.X25519Public,
	sender domain.X25519Private,
) (nonce, ciphertext []byte, err error) {
	n, err := NewNonce()
	if err != nil {
		return nil, nil, err
	}
	pub := [32]byte(recipient)
	priv := [32]byte(sender)
	defer Wipe(priv[:])
	return n[:], box.Seal(nil, plaintext, &n, &pub, &priv), nil
}

// OpenBox reverses SealBox. Any authentication failure yields
// domain.ErrDecryptionFailed.
func OpenBox(
	ciphertext, nonce []byte,
	sender domain.X25519Public,
	recipient domain.X25519Private,
) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, domain.Errorf(domain.CodeInvalidPayload, "nonce must be %d bytes", NonceSize)
	}
	var n [NonceSize]byte
	copy(n[:], nonce)
	pub := [32]byte(sender)
	priv := [32]byte(recipient)
	defer Wipe(priv[:])
	pt, ok := box.Open(nil, ciphertext, &n, &pub, &priv)
	if !ok {
		return nil, domain.ErrDecryptionFailed
	}
	return pt, nil
}

// SealSecret encrypts plaintext under a 32 byte symmetric key.
func SealSecret(plaintext []byte, key domain.SymmetricKey) (nonce, ciphertext []byte, err error) {
	n, err := NewNonce()
	if err != nil {
		return nil, nil, err
	}
	k := [32]byte(key)
	defer Wipe(k[:])
	return n[:], secretbox.Seal(nil, plaintext, &n, &k), nil
}

// OpenSecret reverses SealSecret.
func OpenSecret(ciphertext, nonce []byte, key domain.SymmetricKey) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, domain.Errorf(domain.CodeInvalidPayload, "nonce must be %d bytes", NonceSize)
	}
	var n [NonceSize]byte
	copy(n[:], nonce)
	k := [32]byte(key)
	defer Wipe(k[:])
	pt, ok := secretbox.Open(nil, ciphertext, &n, &k)
	if !ok {
		return nil, domain.ErrDecryptionFailed
	}
	return pt, nil
}

// SealedFile is an attachment body encrypted under a one-off file key, plus
// that key boxed to the recipient.
type SealedFile struct {
	Nonce      []byte
	Ciphertext []byte
	KeyNonce   []byte
	KeyBox     []byte
}

// SealFile draws a random file key, encrypts data with it and wraps the key
// in a sealed box for recipient.
func SealFile(
	data []byte,
	recipient domain.X25519Public,
	sender domain.X25519Private,
) (SealedFile, error) {
	var fileKey domain.SymmetricKey
	if _, err := rand.Read(fileKey[:]); err != nil {
		return SealedFile{}, fmt.Errorf("file key: %w", err)
	}
	defer Wipe(fileKey[:])

	nonce, ct, err := SealSecret(data, fileKey)
	if err != nil {
		return SealedFile{}, err
	}
	keyNonce, keyBox, err := SealBox(fileKey[:], recipient, sender)
	if err != nil {
		return SealedFile{}, err
	}
	return SealedFile{Nonce: nonce, Ciphertext: ct, KeyNonce: keyNonce, KeyBox: keyBox}, nil
}

// OpenFile unwraps the file key and decrypts the body.
func OpenFile(
	f SealedFile,
	sender domain.X25519Public,
	recipient domain.X25519Private,
) ([]byte, error) {
	raw, err := OpenBox(f.KeyBox, f.KeyNonce, sender, recipient)
	if err != nil {
		return nil, err
	}
	defer Wipe(raw)
	if len(raw) != KeyLength {
		return nil, domain.ErrDecryptionFailed
	}
	var fileKey domain.SymmetricKey
	copy(fileKey[:], raw)
	defer Wipe(fileKey[:])
	return OpenSecret(f.Ciphertext, f.Nonce, fileKey)
}
