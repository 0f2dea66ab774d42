package interfaces

import domaintypes "whisper/internal/domain/types"

// IdentityService creates, restores and inspects the local identity.
type IdentityService interface {
	CreateIdentity(passphrase string) (mnemonic string, id domaintypes.Identity, err error)
	RestoreIdentity(mnemonic, mnemonicPassphrase, passphrase string) (domaintypes.Identity, error)
	LoadIdentity(passphrase string) (domaintypes.Identity, error)
	SetWhisperID(passphrase string, id domaintypes.WhisperID) error
	FingerprintIdentity(passphrase string) (domaintypes.Fingerprint, error)
}
