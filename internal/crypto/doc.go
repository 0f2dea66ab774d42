// Package crypto holds the deterministic key derivation chain and the
// authenticated encryption constructions shared by client and relay.
//
// Contents
//
//   - Mnemonic handling: generation, normalization and validation
//     (GenerateMnemonic, NormalizeMnemonic, ValidateMnemonic)
//   - Derivation: BIP39 seed, HKDF domain seeds, key pairs
//     (SeedFromMnemonic, DeriveKey, DeriveSeeds, DeriveIdentity)
//   - Sealed box and secret box over XSalsa20-Poly1305
//     (SealBox, OpenBox, SealSecret, OpenSecret) and the attachment
//     FileKeyBox (SealFile, OpenFile)
//   - Ed25519 signing helpers, X25519 helpers, fingerprints and Wipe
//
// # Notes
//
// Every derivation output is a frozen cross-platform contract. The
// abandon×11 about vectors in the tests must never change.
package crypto
