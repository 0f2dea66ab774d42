package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"whisper/internal/dedup"
	"whisper/internal/log"
	"whisper/internal/metrics"
	"whisper/internal/server"
	"whisper/internal/server/auth"
	"whisper/internal/server/calls"
	"whisper/internal/server/httpapi"
	"whisper/internal/server/router"
	"whisper/internal/server/store"
	"whisper/internal/util/ratelimit"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfgFile  string
		listen   string
		dataDir  string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "Whisper relay: message routing, call signaling and blob storage",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadFile(cfgFile)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "f", "", "path to the YAML config file")
	cmd.Flags().StringVar(&listen, "listen", "", "address for websocket and REST traffic")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for the database and blobs")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (DEBUG, INFO, NOTICE, WARNING, ERROR)")
	return cmd
}

func run(ctx context.Context, cfg Config) error {
	logs, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return err
	}
	l := logs.GetLogger("relay")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}
	db, err := store.OpenDB(filepath.Join(cfg.DataDir, "relay.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	blobs, err := store.NewBlobs(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		return err
	}
	dd, err := dedup.New(0)
	if err != nil {
		return err
	}
	urlSecret := []byte(cfg.URLSecret)
	if len(urlSecret) == 0 {
		l.Warning("url_secret not set, presigned URLs will not survive a restart")
		urlSecret = make([]byte, 32)
		if _, err := rand.Read(urlSecret); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewRelay(reg)

	hub := server.NewHub(m, logs.GetLogger("hub"))
	users := auth.New(db, logs.GetLogger("auth"))
	rt := router.New(users, db, hub, dd, m, logs.GetLogger("router"),
		router.WithSkew(cfg.ClockSkew),
		router.WithRetention(cfg.PendingRetention),
		router.WithLimiter(ratelimit.New(cfg.MessageRate, cfg.MessageBurst, 10*time.Minute)),
	)
	push := calls.LogPush{Log: logs.GetLogger("push")}
	cs := calls.New(calls.Config{
		TurnURLs:   cfg.Turn.URLs,
		TurnSecret: cfg.Turn.Secret,
		TurnTTL:    cfg.Turn.TTL,
	}, store.NewCalls(cfg.CallTTL, cfg.AnsweredCallTTL), rt, hub, push, users, m, logs.GetLogger("calls"))
	ws := server.New(server.Config{
		IdleTimeout:   cfg.IdleTimeout,
		SendQueue:     cfg.SendQueue,
		RegisterRate:  cfg.RegisterRate,
		RegisterBurst: cfg.RegisterBurst,
	}, users, rt, cs, hub, push, m, logs.GetLogger("server"))
	rest := httpapi.New(httpapi.Config{PublicURL: cfg.PublicURL, URLSecret: urlSecret},
		users, users, db, blobs, m, logs.GetLogger("http"))
	rest.SetReady(db.Check)

	cs.Start()
	defer cs.Halt()
	ws.Start()
	defer ws.Halt()

	mux := http.NewServeMux()
	mux.Handle("GET /ws", ws)
	rest.Routes(mux)
	servers := []*http.Server{{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}}
	if cfg.MetricsListen != "" {
		mm := http.NewServeMux()
		mm.Handle("GET /metrics", metrics.Handler(reg))
		servers = append(servers, &http.Server{Addr: cfg.MetricsListen, Handler: mm, ReadHeaderTimeout: 10 * time.Second})
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Rotate logs upon SIGHUP.
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)
	defer signal.Stop(rotateCh)

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			l.Noticef("listening on %s", s.Addr)
			if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", s.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				for _, s := range servers {
					_ = s.Shutdown(sctx)
				}
				return nil
			case <-rotateCh:
				if err := logs.Rotate(); err != nil {
					l.Errorf("rotate log: %v", err)
				}
			}
		}
	})
	err = g.Wait()
	l.Notice("relay stopped")
	return err
}
