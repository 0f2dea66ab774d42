package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"whisper/internal/crypto"
)

func restoreCmd() *cobra.Command {
	var mnemonicPassphrase string
	cmd := &cobra.Command{
		Use:   "restore <word>...",
		Short: "Restore the identity from its recovery phrase",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			id, err := appCtx.Identity.RestoreIdentity(strings.Join(args, " "), mnemonicPassphrase, passphrase)
			if err != nil {
				return err
			}
			fmt.Printf("Identity restored.\nFingerprint: %s\n", crypto.Fingerprint(id.EncPublicKey, id.SignPublicKey))
			fmt.Println("Run `whisper register` to recover your WhisperID from the relay.")
			return nil
		},
	}
	cmd.Flags().StringVar(&mnemonicPassphrase, "mnemonic-passphrase", "", "optional BIP39 passphrase used when the phrase was created")
	return cmd
}
