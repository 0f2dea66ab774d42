package identity

import (
	"fmt"
	"unicode"

	"whisper/internal/crypto"
	"whisper/internal/domain"
)

const (
	// minPassphraseLength defines the minimum number of characters required for a passphrase.
	minPassphraseLength = 12
)

var (
	// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"passphrase is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)
)

// Service manages the local identity. Keys always come from a mnemonic, so
// the same words restore the same account on any device; the keystore
// passphrase only protects the copy at rest.
type Service struct {
	store domain.IdentityStore
}

// New returns an identity service backed by the given store.
func New(s domain.IdentityStore) *Service { return &Service{store: s} }

// CreateIdentity generates a fresh 12 word mnemonic, derives the identity
// from it and saves it encrypted with passphrase. The mnemonic is returned
// once and never stored.
func (s *Service) CreateIdentity(passphrase string) (string, domain.Identity, error) {
	if !isSecurePassphrase(passphrase) {
		return "", domain.Identity{}, ErrWeakPassphrase
	}
	mnemonic, err := crypto.GenerateMnemonic()
	if err != nil {
		return "", domain.Identity{}, err
	}
	id, err := s.RestoreIdentity(mnemonic, "", passphrase)
	if err != nil {
		return "", domain.Identity{}, err
	}
	return mnemonic, id, nil
}

// RestoreIdentity derives the identity from an existing mnemonic (plus
// optional BIP39 passphrase) and saves it. An invalid mnemonic is rejected
// before any derivation.
func (s *Service) RestoreIdentity(mnemonic, mnemonicPassphrase, passphrase string) (domain.Identity, error) {
	if !isSecurePassphrase(passphrase) {
		return domain.Identity{}, ErrWeakPassphrase
	}
	id, err := crypto.DeriveIdentity(mnemonic, mnemonicPassphrase)
	if err != nil {
		return domain.Identity{}, err
	}
	if err := s.store.SaveIdentity(passphrase, id); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}

// LoadIdentity decrypts and returns the local identity.
func (s *Service) LoadIdentity(passphrase string) (domain.Identity, error) {
	return s.store.LoadIdentity(passphrase)
}

// SetWhisperID records the relay-assigned WhisperID on the stored identity.
func (s *Service) SetWhisperID(passphrase string, wid domain.WhisperID) error {
	id, err := s.store.LoadIdentity(passphrase)
	if err != nil {
		return err
	}
	if id.WhisperID == wid {
		return nil
	}
	id.WhisperID = wid
	return s.store.SaveIdentity(passphrase, id)
}

// FingerprintIdentity returns the short fingerprint of both public keys.
func (s *Service) FingerprintIdentity(passphrase string) (domain.Fingerprint, error) {
	id, err := s.store.LoadIdentity(passphrase)
	if err != nil {
		return "", err
	}
	return crypto.Fingerprint(id.EncPublicKey, id.SignPublicKey), nil
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}

// Compile-time assertion that Service implements domain.IdentityService.
var _ domain.IdentityService = (*Service)(nil)
