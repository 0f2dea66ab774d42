package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// register: authenticate to the relay and print the assigned WhisperID.
func registerCmd() *cobra.Command {
	var pushToken string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Authenticate to the relay and print your WhisperID",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pushToken != "" {
				appCtx.Config.PushToken = pushToken
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			w, err := connect(ctx)
			if err != nil {
				return err
			}
			defer w.Close()

			p := w.Session.Profile()
			fmt.Printf("Registered as %s\n", p.WhisperID)
			fmt.Printf("Session valid until %s\n", time.UnixMilli(p.SessionExpiresAt).Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&pushToken, "push-token", "", "device push token to register for wake pushes")
	return cmd
}
