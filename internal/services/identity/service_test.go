package identity_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"whisper/internal/crypto"
	"whisper/internal/domain"
	"whisper/internal/services/identity"
	"whisper/internal/store"
)

const (
	passphrase = "Correct-Horse-42"
	vector     = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
)

func TestCreateIdentity(t *testing.T) {
	require := require.New(t)
	svc := identity.New(store.NewIdentityFileStore(t.TempDir()))

	mnemonic, id, err := svc.CreateIdentity(passphrase)
	require.NoError(err)
	require.Len(strings.Fields(mnemonic), 12)
	require.NoError(crypto.ValidateMnemonic(mnemonic))

	loaded, err := svc.LoadIdentity(passphrase)
	require.NoError(err)
	require.Equal(id.EncPublicKey, loaded.EncPublicKey)
	require.Equal(id.SignPrivateKey, loaded.SignPrivateKey)

	// The same words restore the same keys.
	restored, err := crypto.DeriveIdentity(mnemonic, "")
	require.NoError(err)
	require.Equal(id.SignPublicKey, restored.SignPublicKey)
}

func TestRestoreIdentity_FrozenVector(t *testing.T) {
	svc := identity.New(store.NewIdentityFileStore(t.TempDir()))

	id, err := svc.RestoreIdentity("  Abandon abandon abandon abandon abandon abandon\tabandon abandon abandon abandon abandon ABOUT ", "", passphrase)
	require.NoError(t, err)
	require.Equal(t, "b0320981778570beffbb299b237642115b80c714ff2fafd39b9989dc94ba8a38", crypto.Hex(id.EncPublicKey[:]))
	require.Equal(t, "bd930cbbf856bb76f2c25c64062a2944cc6065ba54b9af7242d2bfbde5d7c95b", crypto.Hex(id.SignPublicKey[:]))
}

func TestRestoreIdentity_RejectsInvalidMnemonic(t *testing.T) {
	svc := identity.New(store.NewIdentityFileStore(t.TempDir()))

	_, err := svc.RestoreIdentity("abandon abandon abandon", "", passphrase)
	require.ErrorIs(t, err, crypto.ErrInvalidMnemonic)

	_, err = svc.LoadIdentity(passphrase)
	require.ErrorIs(t, err, store.ErrNoIdentity)
}

func TestWeakPassphraseRejected(t *testing.T) {
	svc := identity.New(store.NewIdentityFileStore(t.TempDir()))
	for _, p := range []string{"short1!A", "alllowercase123!", "NoDigitsHere!!", "NoSymbols12345"} {
		_, _, err := svc.CreateIdentity(p)
		require.ErrorIs(t, err, identity.ErrWeakPassphrase, p)
	}
}

func TestSetWhisperIDAndFingerprint(t *testing.T) {
	require := require.New(t)
	svc := identity.New(store.NewIdentityFileStore(t.TempDir()))

	id, err := svc.RestoreIdentity(vector, "", passphrase)
	require.NoError(err)
	require.NoError(svc.SetWhisperID(passphrase, domain.WhisperID("WSP-AAAA-BBBB-CCCC")))

	loaded, err := svc.LoadIdentity(passphrase)
	require.NoError(err)
	require.Equal(domain.WhisperID("WSP-AAAA-BBBB-CCCC"), loaded.WhisperID)

	fp, err := svc.FingerprintIdentity(passphrase)
	require.NoError(err)
	require.Equal(crypto.Fingerprint(id.EncPublicKey, id.SignPublicKey), fp)

	_, err = svc.LoadIdentity("Wrong-Passphrase-1")
	require.ErrorIs(err, store.ErrWrongPassphrase)
}
