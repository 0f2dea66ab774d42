package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"whisper/internal/domain"
)

// Fingerprint returns a short hex fingerprint over both public keys of an
// identity, grouped in blocks of four for reading aloud.
//
// It hashes enc||sign with SHA-256 and truncates to 10 bytes (20 hex chars).
func Fingerprint(enc domain.X25519Public, sign domain.Ed25519Public) domain.Fingerprint {
	h := sha256.New()
	h.Write(enc[:])
	h.Write(sign[:])
	sum := hex.EncodeToString(h.Sum(nil)[:10])

	groups := make([]string, 0, len(sum)/4)
	for i := 0; i < len(sum); i += 4 {
		groups = append(groups, sum[i:i+4])
	}
	return domain.Fingerprint(strings.Join(groups, " "))
}
