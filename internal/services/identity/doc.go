// Package identity manages creation, restoration and loading of the local
// identity.
//
// It enforces the keystore passphrase policy, derives every key from the
// BIP39 mnemonic and persists the result via the domain.IdentityStore.
package identity
