package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"whisper/internal/app"
)

var (
	home       string
	passphrase string
	relayURL   string
	logLevel   string
	timeout    time.Duration

	appCtx *app.App
)

func Execute() error {
	root := &cobra.Command{
		Use:           "whisper",
		Short:         "End-to-end encrypted messaging and calls",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".whisper")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			cfg, err := app.LoadConfig(home)
			if err != nil {
				return err
			}
			if relayURL != "" {
				cfg.RelayURL = relayURL
				cfg.HTTPURL = ""
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			appCtx, err = app.New(cfg)
			return err
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.whisper)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the local keystore")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay websocket URL (e.g. ws://127.0.0.1:8080/ws)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (DEBUG, INFO, NOTICE, WARNING, ERROR)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the relay")

	root.AddCommand(
		initCmd(),
		restoreCmd(),
		keysCmd(),
		registerCmd(),
		sendCmd(),
		recvCmd(),
		readCmd(),
		callCmd(),
		wakeCmd(),
	)
	return root.Execute()
}

func requirePassphrase() error {
	if passphrase == "" {
		return fmt.Errorf("passphrase required (-p)")
	}
	return nil
}

// connect unlocks the identity, starts the client and waits until the
// relay accepted the registration. The caller closes the returned wire.
func connect(ctx context.Context) (*app.Wire, error) {
	if err := requirePassphrase(); err != nil {
		return nil, err
	}
	w, err := appCtx.Open(passphrase)
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Transport.WaitConnected(ctx); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("connect to %s: %w", appCtx.Config.RelayURL, err)
	}
	return w, nil
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}
