package app

import (
	"os"

	"gopkg.in/op/go-logging.v1"

	"whisper/internal/log"
	"whisper/internal/services/identity"
	"whisper/internal/store"
)

// App is what every command needs before an identity is unlocked.
type App struct {
	Config   Config
	Logs     *log.Backend
	Identity *identity.Service

	log *logging.Logger
}

func New(cfg Config) (*App, error) {
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, err
	}
	logs, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	return &App{
		Config:   cfg,
		Logs:     logs,
		Identity: identity.New(store.NewIdentityFileStore(cfg.Home)),
		log:      logs.GetLogger("app"),
	}, nil
}
