package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// wake key=value...: hand a push payload to the wake gateway, as the
// platform push handler would.
func wakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wake <key=value>...",
		Short: "Process a wake push payload",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := make(map[string]any, len(args))
			for _, kv := range args {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("%q is not key=value", kv)
				}
				payload[k] = v
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			w, err := connect(ctx)
			if err != nil {
				return err
			}
			defer w.Close()

			intent, ok, err := w.Wake.Handle(ctx, payload)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("ignored")
				return nil
			}
			fmt.Printf("handled %s wake\n", intent.Reason)
			return w.Outbox.Drain(ctx)
		},
	}
}
