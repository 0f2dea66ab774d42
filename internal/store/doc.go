// Package store provides client-side persistence.
//
// Two kinds of storage live here:
//   - Small JSON files under the home directory, written atomically: the
//     passphrase-encrypted identity keystore (IdentityFileStore) and the
//     per-relay registration state (AccountFileStore).
//   - A bbolt database (DB) holding the durable outbox, decrypted messages
//     and conversation counters. Message insertion and counter updates share
//     one transaction, which is what makes the "already have messageId X"
//     check authoritative.
//
// All methods are safe for concurrent use.
package store
