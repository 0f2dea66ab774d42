package app

import (
	"context"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"whisper/internal/dedup"
	"whisper/internal/domain"
	"whisper/internal/metrics"
	"whisper/internal/outbox"
	"whisper/internal/protocol/wire"
	"whisper/internal/relay"
	"whisper/internal/rtc"
	"whisper/internal/services/call"
	"whisper/internal/services/message"
	"whisper/internal/services/registration"
	"whisper/internal/services/wake"
	"whisper/internal/store"
)

const dbFile = "whisper.db"

// Wire bundles all stores, services, and clients of an unlocked identity.
type Wire struct {
	Session      *registration.Session
	Registration *registration.Service
	Transport    *relay.Transport
	HTTP         *relay.HTTP
	Messages     *message.Service
	Outbox       *outbox.Queue
	Calls        *call.Service
	Wake         *wake.Gateway
	Registry     *prometheus.Registry

	db *store.DB
}

// Open unlocks the identity with passphrase and constructs the dependency
// graph. Nothing touches the network until Start.
func (a *App) Open(passphrase string) (*Wire, error) {
	id, err := a.Identity.LoadIdentity(passphrase)
	if err != nil {
		return nil, err
	}
	cfg := a.Config
	db, err := store.OpenDB(filepath.Join(cfg.Home, dbFile))
	if err != nil {
		return nil, err
	}
	dd, err := dedup.New(0)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	reg := prometheus.NewRegistry()
	accounts := store.NewAccountFileStore(cfg.Home)
	sess := registration.NewSession(id)

	w := &Wire{Session: sess, Registry: reg, db: db}
	w.Transport = relay.New(cfg.RelayURL, a.Logs.GetLogger("relay"),
		relay.WithRequestTimeout(cfg.RequestTimeout))
	w.HTTP = relay.NewHTTP(cfg.HTTPURL, sess.SessionToken)

	w.Registration = registration.New(cfg.RelayURL, accounts, sess, a.Logs.GetLogger("registration"))
	w.Registration.SetPushToken(cfg.PushToken)
	w.Registration.OnRegistered(func(p domain.AccountProfile) {
		if id.WhisperID != p.WhisperID {
			if err := a.Identity.SetWhisperID(passphrase, p.WhisperID); err != nil {
				a.log.Errorf("save whisperId: %v", err)
			}
		}
	})
	w.Transport.OnConnect(w.Registration.Register)

	w.Messages = message.New(sess, w.Transport, w.HTTP, db, nil, dd, w.HTTP, a.Logs.GetLogger("message"))
	w.Outbox = outbox.New(db, w.Messages, cfg.Outbox, metrics.NewOutbox(reg), a.Logs.GetLogger("outbox"))
	w.Messages.SetOutbox(w.Outbox)
	w.Outbox.OnFailure(w.Messages.OutboxFailed)
	w.Transport.Handle(w.Messages.HandleFrame)

	w.Calls = call.New(w.Transport, sess, w.HTTP, lazyPion{}, a.Logs.GetLogger("call"))
	w.Calls.SetRingTimeout(cfg.RingTimeout)
	w.Transport.Handle(w.handleSignal(a))

	fetch := wake.FetcherFunc(func(ctx context.Context) (int, error) {
		if err := w.Transport.WaitConnected(ctx); err != nil {
			return 0, err
		}
		return w.Messages.FetchPending(ctx)
	})
	w.Wake = wake.New(fetch, callWake{a}, metrics.NewPush(reg), a.Logs.GetLogger("wake"))
	return w, nil
}

// Start connects to the relay and resumes the outbox.
func (w *Wire) Start() error {
	w.Transport.Start()
	return w.Outbox.Start()
}

// Close stops everything and releases the database.
func (w *Wire) Close() error {
	w.Outbox.Stop()
	_ = w.Transport.Close()
	return w.db.Close()
}

// Store exposes the local message store.
func (w *Wire) Store() domain.MessageStore { return w.db }

func (w *Wire) handleSignal(a *App) relay.Handler {
	l := a.Logs.GetLogger("call")
	return func(f wire.Frame) {
		if !wire.IsCallSignal(f.Type) {
			return
		}
		m, err := f.Decode()
		if err != nil {
			l.Warningf("dropping %s: %v", f.Type, err)
			return
		}
		sig, ok := m.(wire.CallSignal)
		if !ok {
			return
		}
		if err := w.Calls.HandleSignal(context.Background(), sig); err != nil {
			l.Warningf("%s %s: %v", f.Type, sig.CallID(), err)
		}
	}
}

// lazyPion builds the pion API on first use so commands that never place
// a call do not pay for it.
type lazyPion struct{}

func (lazyPion) NewPeer(cfg rtc.Config) (rtc.Peer, error) {
	f, err := rtc.NewPionFactory()
	if err != nil {
		return nil, err
	}
	return f.NewPeer(cfg)
}

// callWake reacts to a call wake push. The ringing call itself arrives as
// call_incoming once the transport has registered.
type callWake struct{ a *App }

func (c callWake) IncomingCallWake(caller domain.WhisperID) {
	c.a.log.Noticef("incoming call from %s", caller)
}
