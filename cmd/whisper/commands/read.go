package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"whisper/internal/domain"
)

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <whisperId>",
		Short: "Show a conversation and mark it read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := domain.WhisperID(args[0])
			if !peer.Valid() {
				return fmt.Errorf("%q is not a WhisperID", args[0])
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			w, err := connect(ctx)
			if err != nil {
				return err
			}
			defer w.Close()

			msgs, err := w.Store().ListMessages(domain.ConversationID(peer))
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(m)
			}
			if err := w.Messages.MarkRead(ctx, peer); err != nil {
				return err
			}
			return w.Outbox.Drain(ctx)
		},
	}
}
