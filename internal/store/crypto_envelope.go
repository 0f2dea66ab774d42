package store

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	// The current supported version of the encrypted keystore format.
	keystoreFormatVersion = 1

	keystoreAAD = "whisper-keystore"
)

var (
	// ErrWrongPassphrase is returned when the passphrase is incorrect or the
	// keystore has been modified.
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted keystore")
)

// kdfParams are the scrypt cost parameters stored next to the ciphertext so
// they can be raised later without breaking existing files.
type kdfParams struct {
	N int `json:"n"`
	R int `json:"r"`
	P int `json:"p"`
}

func defaultKDF() kdfParams { return kdfParams{N: 1 << 15, R: 8, P: 1} }

// sealedBlob is the on-disk JSON structure holding the ciphertext.
type sealedBlob struct {
	V      int       `json:"v"`
	KDF    kdfParams `json:"kdf"`
	Salt   []byte    `json:"salt"`
	Nonce  []byte    `json:"nonce"`
	Cipher []byte    `json:"cipher"`
}

// seal derives a key from passphrase and encrypts raw with
// ChaCha20-Poly1305.
func seal(passphrase string, raw []byte, kdf kdfParams) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := keystoreAEAD(passphrase, salt, kdf)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return json.Marshal(sealedBlob{
		V:      keystoreFormatVersion,
		KDF:    kdf,
		Salt:   salt,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, raw, []byte(keystoreAAD)),
	})
}

// open reverses seal.
func open(passphrase string, b []byte) ([]byte, error) {
	var bl sealedBlob
	if err := json.Unmarshal(b, &bl); err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	if bl.V > keystoreFormatVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", bl.V)
	}
	aead, err := keystoreAEAD(passphrase, bl.Salt, bl.KDF)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, bl.Nonce, bl.Cipher, []byte(keystoreAAD))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

func keystoreAEAD(passphrase string, salt []byte, kdf kdfParams) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, kdf.N, kdf.R, kdf.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}
