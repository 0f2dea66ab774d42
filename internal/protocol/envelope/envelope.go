// Package envelope builds and opens signed, sealed envelopes: the JSON body
// is sealed to the recipient's X25519 key and the result is signed with the
// canonical v1 format.
package envelope

import (
	"encoding/json"
	"fmt"

	"whisper/internal/crypto"
	"whisper/internal/domain"
	"whisper/internal/protocol/canonical"
)

// Header is the plaintext part of an envelope.
type Header struct {
	MessageType string
	MessageID   string
	To          domain.WhisperID
	Timestamp   int64
}

// Seal encrypts body for the peer and signs the envelope as id.
func Seal(id domain.Identity, peer domain.PublicKeys, h Header, body any) (domain.SignedEnvelope, error) {
	pt, err := json.Marshal(body)
	if err != nil {
		return domain.SignedEnvelope{}, fmt.Errorf("envelope: marshal body: %w", err)
	}
	defer crypto.Wipe(pt)

	enc, _, err := Keys(peer)
	if err != nil {
		return domain.SignedEnvelope{}, err
	}
	nonce, ct, err := crypto.SealBox(pt, enc, id.EncPrivateKey)
	if err != nil {
		return domain.SignedEnvelope{}, err
	}
	env := domain.SignedEnvelope{
		MessageType: h.MessageType,
		MessageID:   h.MessageID,
		From:        id.WhisperID,
		To:          h.To,
		Timestamp:   h.Timestamp,
		Nonce:       nonce,
		Ciphertext:  ct,
	}
	return canonical.Sign(env, id.SignPrivateKey), nil
}

// Open checks the signature against sender's signing key, decrypts with
// id's encryption key and decodes the body into dst. The signature is
// checked first and a failure there is never masked by a decryption error.
func Open(id domain.Identity, sender domain.PublicKeys, env domain.SignedEnvelope, dst any) error {
	if sender.WhisperID != env.From {
		return domain.Errorf(domain.CodeSignatureFailed, "keys belong to %s, envelope claims %s", sender.WhisperID, env.From)
	}
	enc, sign, err := Keys(sender)
	if err != nil {
		return err
	}
	if err := canonical.Verify(env, sign); err != nil {
		return err
	}
	pt, err := crypto.OpenBox(env.Ciphertext, env.Nonce, enc, id.EncPrivateKey)
	if err != nil {
		return err
	}
	defer crypto.Wipe(pt)
	if err := json.Unmarshal(pt, dst); err != nil {
		return domain.Errorf(domain.CodeInvalidPayload, "malformed body in %s", env.MessageID)
	}
	return nil
}

// Keys converts published key bytes to fixed-size keys.
func Keys(pk domain.PublicKeys) (domain.X25519Public, domain.Ed25519Public, error) {
	var enc domain.X25519Public
	var sign domain.Ed25519Public
	if len(pk.EncPublicKey) != len(enc) || len(pk.SignPublicKey) != len(sign) {
		return enc, sign, domain.Errorf(domain.CodeInvalidPayload, "malformed public keys for %s", pk.WhisperID)
	}
	copy(enc[:], pk.EncPublicKey)
	copy(sign[:], pk.SignPublicKey)
	return enc, sign, nil
}

// PublicKeysOf returns the publishable half of id.
func PublicKeysOf(id domain.Identity) domain.PublicKeys {
	return domain.PublicKeys{
		WhisperID:     id.WhisperID,
		EncPublicKey:  append([]byte(nil), id.EncPublicKey[:]...),
		SignPublicKey: append([]byte(nil), id.SignPublicKey[:]...),
	}
}
