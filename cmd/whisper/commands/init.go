package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"whisper/internal/crypto"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate a new identity and store it encrypted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			mnemonic, id, err := appCtx.Identity.CreateIdentity(passphrase)
			if err != nil {
				return err
			}
			fmt.Printf("Identity created.\nRecovery phrase (write it down, it is not stored):\n\n  %s\n\n", mnemonic)
			fmt.Printf("Fingerprint: %s\n", crypto.Fingerprint(id.EncPublicKey, id.SignPublicKey))
			return nil
		},
	}
}
