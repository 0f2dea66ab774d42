package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"whisper/internal/crypto"
	"whisper/internal/domain"
)

const idFilename = "identity.json.enc"

// ErrNoIdentity is returned when no keystore exists yet.
var ErrNoIdentity = errors.New("no identity; run init or restore first")

// IdentityFileStore persists the local identity encrypted under a
// passphrase.
type IdentityFileStore struct {
	dir string
	kdf kdfParams
	mu  sync.Mutex
}

// NewIdentityFileStore returns an IdentityFileStore rooted at dir.
func NewIdentityFileStore(dir string) *IdentityFileStore {
	return &IdentityFileStore{dir: dir, kdf: defaultKDF()}
}

// SaveIdentity encrypts and atomically replaces the keystore file.
func (s *IdentityFileStore) SaveIdentity(passphrase string, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	defer crypto.Wipe(raw)

	ct, err := seal(passphrase, raw, s.kdf)
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(s.dir, idFilename), ct, 0o600)
}

// LoadIdentity reads and decrypts the identity.
func (s *IdentityFileStore) LoadIdentity(passphrase string) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := readFile(filepath.Join(s.dir, idFilename))
	if err != nil {
		return domain.Identity{}, err
	}
	if b == nil {
		return domain.Identity{}, ErrNoIdentity
	}
	pt, err := open(passphrase, b)
	if err != nil {
		return domain.Identity{}, err
	}
	defer crypto.Wipe(pt)

	var id domain.Identity
	if err := json.Unmarshal(pt, &id); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}

// DeleteIdentity removes the keystore. Only account deletion calls this.
func (s *IdentityFileStore) DeleteIdentity() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.dir, idFilename))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Compile-time assertion that IdentityFileStore implements domain.IdentityStore.
var _ domain.IdentityStore = (*IdentityFileStore)(nil)
