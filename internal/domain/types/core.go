package types

import "regexp"

// WhisperID is the server-issued routing identifier for an account
// (WSP-XXXX-XXXX-XXXX). It is never derived from key material.
type WhisperID string

// String returns the string form of the WhisperID.
func (w WhisperID) String() string { return string(w) }

var whisperIDPattern = regexp.MustCompile(`^WSP-[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}$`)

// Valid reports whether w has the WSP-XXXX-XXXX-XXXX shape with base32
// groups.
func (w WhisperID) Valid() bool { return whisperIDPattern.MatchString(string(w)) }

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// ConversationID identifies a 1:1 conversation. For direct chats it is the
// peer's WhisperID.
type ConversationID string

// String returns the string form of the conversation identifier.
func (id ConversationID) String() string { return string(id) }
