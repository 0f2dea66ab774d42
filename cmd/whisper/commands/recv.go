package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"whisper/internal/domain"
	"whisper/internal/services/message"
)

// recv: drain the offline queue and print what arrived.
func recvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recv",
		Short: "Fetch and decrypt your queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			w, err := connect(ctx)
			if err != nil {
				return err
			}
			defer w.Close()

			w.Messages.OnMessage(printMessage)
			w.Messages.OnReceipt(func(ev message.ReceiptEvent) {
				fmt.Printf("%s %s\n", ev.MessageID, ev.Status)
			})
			n, err := w.Messages.FetchPending(ctx)
			if err != nil {
				return err
			}
			// Delivered receipts go out through the outbox.
			if err := w.Outbox.Drain(ctx); err != nil {
				return err
			}
			fmt.Printf("%d new\n", n)
			return nil
		},
	}
}

func printMessage(m domain.StoredMessage) {
	ts := time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04")
	fmt.Printf("[%s] %s: %s\n", ts, m.From, m.Content.Preview())
}
