package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"whisper/internal/crypto"
)

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Print your public keys and fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			id, err := appCtx.Identity.LoadIdentity(passphrase)
			if err != nil {
				return err
			}
			wid := string(id.WhisperID)
			if wid == "" {
				wid = "(not registered)"
			}
			fmt.Printf("WhisperID:   %s\n", wid)
			fmt.Printf("Encryption:  %s\n", crypto.Hex(id.EncPublicKey[:]))
			fmt.Printf("Signing:     %s\n", crypto.Hex(id.SignPublicKey[:]))
			fmt.Printf("Fingerprint: %s\n", crypto.Fingerprint(id.EncPublicKey, id.SignPublicKey))
			return nil
		},
	}
}
