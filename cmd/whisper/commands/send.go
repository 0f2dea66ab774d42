package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"whisper/internal/domain"
)

// send <whisperId> <message>: encrypt, queue and wait for the relay.
func sendCmd() *cobra.Command {
	var replyTo string
	cmd := &cobra.Command{
		Use:   "send <whisperId> <message>",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.ExactArgs(2),
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

			msg, err := w.Messages.SendText(ctx, peer, args[1], replyTo)
			if err != nil {
				return err
			}
			if err := w.Outbox.Drain(ctx); err != nil {
				fmt.Printf("queued %s, still waiting for the relay\n", msg.MessageID)
				return nil
			}
			failed, err := w.Outbox.Failed()
			if err != nil {
				return err
			}
			for _, it := range failed {
				if it.Envelope.MessageID == msg.MessageID {
					return fmt.Errorf("send failed: %s", it.LastError)
				}
			}
			fmt.Printf("sent %s\n", msg.MessageID)
			return nil
		},
	}
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "messageId this message replies to")
	return cmd
}
