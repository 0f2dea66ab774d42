package interfaces

import domaintypes "whisper/internal/domain/types"

// AccountStore persists the registration state for each relay.
type AccountStore interface {
	SaveAccountProfile(profile domaintypes.AccountProfile) error
	LoadAccountProfile(serverURL string) (domaintypes.AccountProfile, bool, error)
	DeleteAccountProfile(serverURL string) error
}
