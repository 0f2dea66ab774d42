package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"whisper/internal/domain"
	"whisper/internal/metrics"
	"whisper/internal/protocol/wire"
	"whisper/internal/server/auth"
	"whisper/internal/server/calls"
	"whisper/internal/server/router"
	"whisper/internal/util/ratelimit"
)

const (
	// DefaultIdleTimeout closes connections that sent nothing, not even a
	// ping, for this long.
	DefaultIdleTimeout = 60 * time.Second
	DefaultSendQueue   = 256
	DefaultSweepEvery  = time.Minute

	readLimit = 4 << 20
)

type Config struct {
	IdleTimeout time.Duration
	SendQueue   int
	SweepEvery  time.Duration
	// RegisterRate limits register_begin per remote address; zero disables.
	RegisterRate  float64
	RegisterBurst int
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = DefaultSweepEvery
	}
}

// Server serves /ws.
type Server struct {
	cfg      Config
	auth     *auth.Service
	router   *router.Router
	calls    *calls.Service
	hub      *Hub
	push     calls.PushSender
	register *ratelimit.Limiter
	metrics  *metrics.Relay
	log      *logging.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	loops  errgroup.Group
}

func New(
	cfg Config,
	a *auth.Service,
	r *router.Router,
	c *calls.Service,
	hub *Hub,
	push calls.PushSender,
	m *metrics.Relay,
	log *logging.Logger,
) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:     cfg,
		auth:    a,
		router:  r,
		calls:   c,
		hub:     hub,
		push:    push,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if cfg.RegisterRate > 0 {
		s.register = ratelimit.New(cfg.RegisterRate, cfg.RegisterBurst, 10*time.Minute)
	}
	return s
}

// Start runs the retention and session sweeps until Halt.
func (s *Server) Start() {
	s.loops.Go(func() error {
		t := time.NewTicker(s.cfg.SweepEvery)
		defer t.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return nil
			case <-t.C:
				s.sweep()
			}
		}
	})
}

// Halt stops the sweeps and cancels every open connection.
func (s *Server) Halt() {
	s.cancel()
	_ = s.loops.Wait()
}

func (s *Server) sweep() {
	if _, err := s.router.Sweep(); err != nil {
		s.log.Errorf("pending sweep: %v", err)
	}
	s.auth.Sweep(s.now())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debugf("accept %s: %v", r.RemoteAddr, err)
		return
	}
	ws.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(s.ctx, cancel)()

	c := newConn(ws, remoteHost(r.RemoteAddr), s.cfg.SendQueue, s.log)
	go c.writeLoop(ctx)
	defer func() {
		if id := c.identity(); id != "" {
			s.hub.unbind(id, c)
		}
		c.close(websocket.StatusNormalClosure, "")
	}()

	for {
		rctx, rcancel := context.WithTimeout(ctx, s.cfg.IdleTimeout)
		_, b, err := ws.Read(rctx)
		rcancel()
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.log.Debugf("%s: read: %v", c.remote, err)
			}
			return
		}
		s.handle(ctx, c, b)
	}
}

// handle dispatches one inbound frame. Frames of one connection are handled
// in arrival order.
func (s *Server) handle(ctx context.Context, c *conn, b []byte) {
	f, err := wire.Parse(b)
	if err != nil {
		s.reject(c, "", err)
		return
	}
	m, err := f.Decode()
	if errors.Is(err, wire.ErrUnknownType) {
		s.metrics.Frames.WithLabelValues("unknown").Inc()
		return
	}
	s.metrics.Frames.WithLabelValues(f.Type).Inc()
	if err != nil {
		s.reject(c, f.RequestID, err)
		return
	}

	reply, err := s.dispatch(ctx, c, m)
	if err != nil {
		s.reject(c, f.RequestID, err)
		return
	}
	if reply != nil {
		c.send(f.RequestID, reply)
	}
	if _, ok := m.(wire.RegisterProof); ok {
		s.afterAck(c)
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, m wire.Message) (wire.Message, error) {
	switch v := m.(type) {
	case wire.Ping:
		return wire.Pong{Timestamp: v.Timestamp, ServerTime: s.now().UnixMilli()}, nil
	case wire.Pong:
		return nil, nil

	case wire.RegisterBegin:
		if !s.register.Allow(c.remote, s.now()) {
			return nil, domain.Errorf(domain.CodeRateLimited, "too many registrations")
		}
		return s.auth.Begin(v)

	case wire.RegisterProof:
		ack, sess, err := s.auth.Complete(v)
		if err != nil {
			return nil, err
		}
		if prev := c.identity(); prev != "" && prev != sess.WhisperID {
			s.hub.unbind(prev, c)
		}
		c.login(sess.WhisperID)
		s.hub.bind(sess.WhisperID, c)
		s.log.Infof("%s registered from %s", sess.WhisperID, c.remote)
		return ack, nil

	case wire.SendMessage:
		from, err := s.session(c, v.SessionToken)
		if err != nil {
			return nil, err
		}
		acc, err := s.router.Route(ctx, from, wire.TypeSendMessage, v.SignedEnvelope)
		if err != nil {
			return nil, err
		}
		if acc.Status == wire.AcceptedStored {
			s.wake(v.To, calls.WakeReasonMessage, from)
		}
		return acc, nil

	case wire.DeliveryReceipt:
		from, err := s.session(c, v.SessionToken)
		if err != nil {
			return nil, err
		}
		return s.router.Route(ctx, from, wire.TypeDeliveryReceipt, v.SignedEnvelope)

	case wire.FetchPending:
		id, err := s.session(c, v.SessionToken)
		if err != nil {
			return nil, err
		}
		return s.router.Fetch(ctx, id, v)

	case wire.GetTurnCredentials:
		id, err := s.session(c, v.SessionToken)
		if err != nil {
			return nil, err
		}
		creds, err := s.calls.TurnCredentials(id)
		if err != nil {
			return nil, err
		}
		return wire.TurnCredentials{TurnCredentials: creds}, nil

	case wire.CallSignal:
		id, err := s.session(c, v.SessionToken)
		if err != nil {
			return nil, err
		}
		return nil, s.calls.Handle(ctx, id, v)

	case wire.UpdateTokens:
		if _, err := s.session(c, v.SessionToken); err != nil {
			return nil, err
		}
		return nil, s.auth.UpdatePushToken(v.SessionToken, v.PushToken)
	}
	// Relay-to-client frames sent by a client are ignored.
	return nil, nil
}

// afterAck hands a call that rang while the account was offline to the
// connection, behind its register_ack.
func (s *Server) afterAck(c *conn) {
	if id := c.identity(); id != "" {
		s.calls.OnConnect(id)
	}
}

// session resolves token to its account and checks it belongs to the
// identity this connection registered as.
func (s *Server) session(c *conn, token string) (domain.WhisperID, error) {
	sess, err := s.auth.Authenticate(token)
	if err != nil {
		return "", err
	}
	if bound := c.identity(); bound == "" || bound != sess.WhisperID {
		return "", domain.Errorf(domain.CodeAuthFailed, "session does not belong to this connection")
	}
	return sess.WhisperID, nil
}

func (s *Server) wake(to domain.WhisperID, reason string, about domain.WhisperID) {
	if err := s.push.Wake(to, s.auth.PushToken(to), calls.WakePayload(reason, about)); err != nil {
		s.log.Warningf("wake %s: %v", to, err)
	}
}

func (s *Server) reject(c *conn, requestID string, err error) {
	code := domain.CodeOf(err)
	s.metrics.Rejected.WithLabelValues(string(code)).Inc()
	if code == domain.CodeInternal {
		s.log.Errorf("%s: %v", c.remote, err)
	} else {
		s.log.Debugf("%s: rejected: %v", c.remote, err)
	}
	c.sendFrame(wire.ErrorFrame(requestID, err))
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
