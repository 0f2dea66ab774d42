package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"whisper/internal/domain"
)

// Frozen derivation constants. Changing any of these breaks every existing
// account on every platform.
const (
	hkdfSalt = "whisper"

	InfoEncryption = "whisper/enc"
	InfoSigning    = "whisper/sign"
	InfoContacts   = "whisper/contacts"

	KeyLength = 32
)

// DeriveKey expands seed with HKDF-SHA256 using the fixed salt and the given
// domain tag.
func DeriveKey(seed []byte, info string, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, seed, []byte(hkdfSalt), []byte(info))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf %s: %w", info, err)
	}
	return out, nil
}

// DeriveSeeds produces the three 32 byte domain seeds from a BIP39 seed.
func DeriveSeeds(seed []byte) (domain.DerivedSeeds, error) {
	var out domain.DerivedSeeds
	for _, d := range []struct {
		info string
		dst  *[32]byte
	}{
		{InfoEncryption, &out.EncryptionSeed},
		{InfoSigning, &out.SigningSeed},
		{InfoContacts, &out.ContactsKey},
	} {
		k, err := DeriveKey(seed, d.info, KeyLength)
		if err != nil {
			return domain.DerivedSeeds{}, err
		}
		copy(d.dst[:], k)
		Wipe(k)
	}
	return out, nil
}

// DeriveIdentity runs the whole chain: mnemonic -> BIP39 seed -> domain seeds
// -> key pairs. The returned identity has no WhisperID; the server assigns it.
func DeriveIdentity(mnemonic, passphrase string) (domain.Identity, error) {
	seed, err := SeedFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return domain.Identity{}, err
	}
	defer Wipe(seed)

	seeds, err := DeriveSeeds(seed)
	if err != nil {
		return domain.Identity{}, err
	}
	defer seeds.Wipe()

	encPriv, encPub, err := X25519FromSeed(seeds.EncryptionSeed)
	if err != nil {
		return domain.Identity{}, err
	}
	signPriv, signPub := Ed25519FromSeed(seeds.SigningSeed)

	return domain.Identity{
		EncPublicKey:   encPub,
		EncPrivateKey:  encPriv,
		SignPublicKey:  signPub,
		SignPrivateKey: signPriv,
		ContactsKey:    domain.SymmetricKey(seeds.ContactsKey),
	}, nil
}
