package crypto

import (
	"errors"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/text/unicode/norm"
)

const (
	// mnemonicEntropyBits yields a 12 word phrase.
	mnemonicEntropyBits = 128
	seedLength          = 64
)

var (
	// ErrInvalidMnemonic is returned for phrases with the wrong word count or
	// words outside the BIP39 English list.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
)

// GenerateMnemonic returns a fresh 12 word BIP39 phrase from 128 bits of
// CSPRNG entropy.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return "", err
	}
	defer Wipe(entropy)
	return bip39.NewMnemonic(entropy)
}

// NormalizeMnemonic applies NFKD, trims, collapses runs of whitespace to a
// single space and lowercases the phrase.
func NormalizeMnemonic(mnemonic string) string {
	s := norm.NFKD.String(mnemonic)
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ValidateMnemonic checks word count (12 or 24) and that every word is in the
// BIP39 English list. The checksum is not enforced.
func ValidateMnemonic(mnemonic string) error {
	words := strings.Fields(NormalizeMnemonic(mnemonic))
	if len(words) != 12 && len(words) != 24 {
		return ErrInvalidMnemonic
	}
	for _, w := range words {
		if _, ok := bip39.GetWordIndex(w); !ok {
			return ErrInvalidMnemonic
		}
	}
	return nil
}

// SeedFromMnemonic computes PBKDF2-HMAC-SHA512(mnemonic, "mnemonic"+passphrase,
// 2048, 64) over the normalized phrase.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	if err := ValidateMnemonic(mnemonic); err != nil {
		return nil, err
	}
	seed := bip39.NewSeed(NormalizeMnemonic(mnemonic), norm.NFKD.String(passphrase))
	if len(seed) != seedLength {
		return nil, errors.New("unexpected seed length")
	}
	return seed, nil
}
