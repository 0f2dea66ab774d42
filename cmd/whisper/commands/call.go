package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"whisper/internal/domain"
	"whisper/internal/services/call"
)

// call <whisperId>: place a call and print its state until it ends.
// Interrupting the command hangs up.
func callCmd() *cobra.Command {
	var video bool
	cmd := &cobra.Command{
		Use:   "call <whisperId>",
		Short: "Call a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := domain.WhisperID(args[0])
			if !peer.Valid() {
				return fmt.Errorf("%q is not a WhisperID", args[0])
			}
			ctx, cancel := withTimeout(cmd)
			w, err := connect(ctx)
			cancel()
			if err != nil {
				return err
			}
			defer w.Close()

			done := make(chan call.Event, 1)
			w.Calls.Subscribe(func(ev call.Event) {
				if ev.State == call.StateIdle {
					return
				}
				fmt.Printf("%s %s %s\n", ev.CallID, ev.State, ev.Reason)
				switch ev.State {
				case call.StateEnded, call.StateFailed, call.StateTimeout:
					select {
					case done <- ev:
					default:
					}
				}
			})

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			callID, err := w.Calls.InitiateCall(sigCtx, peer, video)
			if err != nil {
				return err
			}
			select {
			case <-done:
				return nil
			case <-sigCtx.Done():
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				return w.Calls.EndCall(ctx, callID)
			}
		},
	}
	cmd.Flags().BoolVar(&video, "video", false, "video call")
	return cmd
}
