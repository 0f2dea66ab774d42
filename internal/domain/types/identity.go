package types

import "whisper/internal/util/memzero"

// DerivedSeeds are the three HKDF outputs of the BIP39 seed.
type DerivedSeeds struct {
	EncryptionSeed [32]byte
	SigningSeed    [32]byte
	ContactsKey    [32]byte
}

// Wipe zeroes all three seeds.
func (s *DerivedSeeds) Wipe() {
	memzero.ZeroArray32(&s.EncryptionSeed)
	memzero.ZeroArray32(&s.SigningSeed)
	memzero.ZeroArray32(&s.ContactsKey)
}

// Identity is the local account key material. Keys are derived once from the
// mnemonic and never rotate; WhisperID is filled in after registration.
type Identity struct {
	WhisperID      WhisperID      `json:"whisper_id,omitempty"`
	EncPublicKey   X25519Public   `json:"enc_pub"`
	EncPrivateKey  X25519Private  `json:"enc_priv"`
	SignPublicKey  Ed25519Public  `json:"sign_pub"`
	SignPrivateKey Ed25519Private `json:"sign_priv"`
	ContactsKey    SymmetricKey   `json:"contacts_key"`
}

// PublicKeys is what the relay publishes about a user.
type PublicKeys struct {
	WhisperID     WhisperID `json:"whisperId"`
	EncPublicKey  []byte    `json:"encPublicKey"`
	SignPublicKey []byte    `json:"signPublicKey"`
}
