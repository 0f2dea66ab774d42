package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"whisper/internal/domain"
	"whisper/internal/protocol/wire"
)

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultKeepAliveTimeout  = 20 * time.Second
	defaultRequestTimeout    = 15 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultQueueSize         = 64
	defaultReconnectBase     = time.Second
	defaultReconnectMax      = 30 * time.Second
	defaultReconnectAttempts = 5

	readLimit = 4 << 20
)

var (
	// ErrClosed is returned once the transport was closed by the user or by
	// a force_logout from the relay.
	ErrClosed = errors.New("relay: transport closed")
	// ErrRequestTimeout is returned when no response arrived in time.
	ErrRequestTimeout = errors.New("relay: request timed out")
	// ErrKeepAliveTimeout ends a session whose pong did not arrive in time.
	ErrKeepAliveTimeout = errors.New("relay: keepalive timeout")
	// ErrForcedLogout is the terminal error after the relay replaced this
	// session with a newer one.
	ErrForcedLogout = errors.New("relay: session replaced by another login")
	// ErrReconnectExhausted is the terminal error after the reconnect budget
	// ran out.
	ErrReconnectExhausted = errors.New("relay: reconnect attempts exhausted")
)

// State is the connection state reported to subscribers.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Requester sends frames and correlates responses.
type Requester interface {
	Send(ctx context.Context, m wire.Message) error
	Request(ctx context.Context, m wire.Message) (wire.Frame, error)
}

// OnConnect runs on every fresh connection before queued traffic is
// released. Registration is the main user. A returned error carrying
// AUTH_FAILED stops reconnecting for good.
type OnConnect func(ctx context.Context, r Requester) error

// Handler receives frames that are not responses to a pending request.
type Handler func(f wire.Frame)

// Option configures a Transport.
type Option func(*Transport)

// WithKeepAlive sets the ping interval and the pong grace window.
func WithKeepAlive(interval, timeout time.Duration) Option {
	return func(t *Transport) {
		t.keepAliveInterval = interval
		t.keepAliveTimeout = timeout
	}
}

// WithRequestTimeout bounds how long Request waits for a response.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Transport) { t.requestTimeout = d }
}

// WithReconnect sets the capped exponential backoff. attempts <= 0 retries
// forever.
func WithReconnect(base, max time.Duration, attempts int) Option {
	return func(t *Transport) {
		t.reconnectBase = base
		t.reconnectMax = max
		t.reconnectAttempts = attempts
	}
}

// WithQueueSize bounds the outbound queue; Send blocks while it is full.
func WithQueueSize(n int) Option {
	return func(t *Transport) { t.queueSize = n }
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.httpClient = c }
}

// Transport is the client's single logical channel to the relay: one
// websocket at a time, re-dialled with backoff, with request/response
// correlation and an application level ping/pong.
type Transport struct {
	url   string
	log   *logging.Logger
	ctx   context.Context
	stop  context.CancelFunc
	loops errgroup.Group

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	requestTimeout    time.Duration
	reconnectBase     time.Duration
	reconnectMax      time.Duration
	reconnectAttempts int
	queueSize         int
	httpClient        *http.Client

	out    chan []byte
	inbox  chan wire.Frame
	closed atomic.Bool

	mu        sync.Mutex
	pending   map[string]chan wire.Frame
	hooks     []OnConnect
	handlers  []Handler
	stateSubs []func(State)
	state     State
	stateCh   chan struct{}
	err       error
	started   bool
}

// New returns an unstarted transport for url (ws:// or wss://).
func New(url string, log *logging.Logger, opts ...Option) *Transport {
	t := &Transport{
		url:               url,
		log:               log,
		keepAliveInterval: defaultKeepAliveInterval,
		keepAliveTimeout:  defaultKeepAliveTimeout,
		requestTimeout:    defaultRequestTimeout,
		reconnectBase:     defaultReconnectBase,
		reconnectMax:      defaultReconnectMax,
		reconnectAttempts: defaultReconnectAttempts,
		queueSize:         defaultQueueSize,
		pending:           make(map[string]chan wire.Frame),
		stateCh:           make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.out = make(chan []byte, t.queueSize)
	t.inbox = make(chan wire.Frame, t.queueSize)
	t.ctx, t.stop = context.WithCancel(context.Background())
	return t
}

// OnConnect registers a hook run after every successful dial.
func (t *Transport) OnConnect(h OnConnect) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, h)
}

// Handle registers a handler for unsolicited frames.
func (t *Transport) Handle(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// OnState subscribes fn to connection state changes.
func (t *Transport) OnState(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateSubs = append(t.stateSubs, fn)
}

// Start launches the connection supervisor. It returns immediately.
func (t *Transport) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.closed.Load() {
		return
	}
	t.started = true
	t.loops.Go(func() error { t.run(); return nil })
	t.loops.Go(func() error { t.dispatch(); return nil })
}

// Close tears the connection down and cancels every pending reconnect.
// Nothing started before Close can bring the session back.
func (t *Transport) Close() error {
	t.shutdown(ErrClosed)
	_ = t.loops.Wait()
	return nil
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the terminal error once the transport is disconnected.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// WaitConnected blocks until the connection is authenticated, the transport
// gives up, or ctx is done.
func (t *Transport) WaitConnected(ctx context.Context) error {
	for {
		t.mu.Lock()
		st, ch, err := t.state, t.stateCh, t.err
		t.mu.Unlock()
		switch {
		case st == StateConnected:
			return nil
		case st == StateDisconnected && err != nil:
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send queues m for transmission. It blocks only while the outbound queue
// is full.
func (t *Transport) Send(ctx context.Context, m wire.Message) error {
	b, err := wire.Marshal("", m)
	if err != nil {
		return err
	}
	return t.enqueue(ctx, t.out, b)
}

// Request sends m and waits for the frame carrying the same request id.
// Error frames are returned as coded errors. A request resolves exactly
// once: either with its response or with a timeout, never both.
func (t *Transport) Request(ctx context.Context, m wire.Message) (wire.Frame, error) {
	return t.request(ctx, t.out, m)
}

func (t *Transport) request(ctx context.Context, q chan []byte, m wire.Message) (wire.Frame, error) {
	id := uuid.NewString()
	b, err := wire.Marshal(id, m)
	if err != nil {
		return wire.Frame{}, err
	}

	ch := make(chan wire.Frame, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.enqueue(ctx, q, b); err != nil {
		t.take(id)
		return wire.Frame{}, err
	}

	timer := time.NewTimer(t.requestTimeout)
	defer timer.Stop()

	var cause error
	select {
	case f := <-ch:
		return responseOf(f)
	case <-timer.C:
		cause = ErrRequestTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	case <-t.ctx.Done():
		cause = ErrClosed
	}
	if _, ok := t.take(id); ok {
		return wire.Frame{}, fmt.Errorf("%s: %w", m.FrameType(), cause)
	}
	// The reader removed the entry first and is handing over the response.
	return responseOf(<-ch)
}

// PendingRequests reports the size of the correlation table.
func (t *Transport) PendingRequests() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func responseOf(f wire.Frame) (wire.Frame, error) {
	if f.Type != wire.TypeError {
		return f, nil
	}
	m, err := f.Decode()
	if err != nil {
		return f, err
	}
	return f, m.(wire.Error).AsError()
}

func (t *Transport) take(id string) (chan wire.Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.pending[id]
	delete(t.pending, id)
	return ch, ok
}

func (t *Transport) enqueue(ctx context.Context, q chan []byte, b []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	select {
	case q <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return ErrClosed
	}
}

func (t *Transport) shutdown(cause error) {
	if t.closed.Swap(true) {
		return
	}
	t.mu.Lock()
	if t.err == nil {
		t.err = cause
	}
	t.mu.Unlock()
	t.stop()
	t.setState(StateDisconnected)
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	close(t.stateCh)
	t.stateCh = make(chan struct{})
	subs := append(([]func(State))(nil), t.stateSubs...)
	t.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

func (t *Transport) newBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.reconnectBase
	eb.MaxInterval = t.reconnectMax
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0
	eb.Reset()
	if t.reconnectAttempts > 0 {
		return backoff.WithMaxRetries(eb, uint64(t.reconnectAttempts))
	}
	return eb
}

// run supervises connections until the transport is closed.
func (t *Transport) run() {
	b := t.newBackoff()
	t.setState(StateConnecting)
	for {
		conn, err := t.dial()
		if err == nil {
			b.Reset()
			err = t.serve(conn)
			if t.ctx.Err() != nil {
				return
			}
			if isAuthFailure(err) {
				t.log.Errorf("relay: authentication rejected, not reconnecting: %v", err)
				t.shutdown(err)
				return
			}
		}
		if t.ctx.Err() != nil {
			return
		}
		t.log.Warningf("relay: connection lost: %v", err)
		t.setState(StateReconnecting)

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			t.shutdown(ErrReconnectExhausted)
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func isAuthFailure(err error) bool {
	return errors.Is(err, domain.ErrAuthFailed)
}

func (t *Transport) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(t.ctx, defaultDialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{HTTPClient: t.httpClient})
	if err != nil {
		return nil, fmt.Errorf("relay: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// session is one live websocket.
type session struct {
	conn  *websocket.Conn
	ctrl  chan []byte
	ready chan struct{}
	pong  chan struct{}
	errs  chan error
}

// ctrlRequester sends on the session's priority queue, used by OnConnect
// hooks before ordinary traffic is released.
type ctrlRequester struct {
	t *Transport
	s *session
}

func (r ctrlRequester) Send(ctx context.Context, m wire.Message) error {
	b, err := wire.Marshal("", m)
	if err != nil {
		return err
	}
	return r.t.enqueue(ctx, r.s.ctrl, b)
}

func (r ctrlRequester) Request(ctx context.Context, m wire.Message) (wire.Frame, error) {
	return r.t.request(ctx, r.s.ctrl, m)
}

func (t *Transport) serve(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(t.ctx)
	s := &session{
		conn:  conn,
		ctrl:  make(chan []byte, 8),
		ready: make(chan struct{}),
		pong:  make(chan struct{}, 1),
		errs:  make(chan error, 3),
	}
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = conn.CloseNow()
		wg.Wait()
	}()

	for _, fn := range []func(context.Context, *session){t.read, t.write, t.keepAlive} {
		wg.Add(1)
		go func(fn func(context.Context, *session)) {
			defer wg.Done()
			fn(ctx, s)
		}(fn)
	}

	t.mu.Lock()
	hooks := append([]OnConnect(nil), t.hooks...)
	t.mu.Unlock()
	for _, h := range hooks {
		if err := h(ctx, ctrlRequester{t: t, s: s}); err != nil {
			return err
		}
	}
	close(s.ready)
	t.setState(StateConnected)
	t.log.Infof("relay: connected to %s", t.url)

	select {
	case err := <-s.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) read(ctx context.Context, s *session) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.errs <- fmt.Errorf("relay: read: %w", err)
			return
		}
		f, err := wire.Parse(data)
		if err != nil {
			t.log.Warningf("relay: dropping frame: %v", err)
			continue
		}

		switch f.Type {
		case wire.TypePong:
			select {
			case s.pong <- struct{}{}:
			default:
			}
			continue
		case wire.TypePing:
			if b, err := wire.Marshal(f.RequestID, wire.Pong{Timestamp: time.Now().UnixMilli()}); err == nil {
				_ = t.enqueue(ctx, s.ctrl, b)
			}
			continue
		}

		if f.RequestID != "" {
			if ch, ok := t.take(f.RequestID); ok {
				ch <- f
				continue
			}
		}

		if f.Type == wire.TypeForceLogout {
			t.log.Warning("relay: force_logout received")
			t.deliver(f)
			go t.shutdown(ErrForcedLogout)
			return
		}

		select {
		case t.inbox <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) write(ctx context.Context, s *session) {
	for {
		var out chan []byte
		ready := s.ready
		select {
		case <-s.ready:
			out = t.out
			ready = nil
		default:
		}

		var b []byte
		select {
		case b = <-s.ctrl:
		case b = <-out:
		case <-ready:
			continue
		case <-ctx.Done():
			return
		}
		if err := s.conn.Write(ctx, websocket.MessageText, b); err != nil {
			s.errs <- fmt.Errorf("relay: write: %w", err)
			return
		}
	}
}

func (t *Transport) keepAlive(ctx context.Context, s *session) {
	ticker := time.NewTicker(t.keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		select {
		case <-s.pong:
		default:
		}
		b, err := wire.Marshal("", wire.Ping{Timestamp: time.Now().UnixMilli()})
		if err != nil {
			continue
		}
		if err := t.enqueue(ctx, s.ctrl, b); err != nil {
			return
		}

		timer := time.NewTimer(t.keepAliveTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.pong:
			timer.Stop()
		case <-timer.C:
			s.errs <- ErrKeepAliveTimeout
			return
		}
	}
}

func (t *Transport) dispatch() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case f := <-t.inbox:
			t.deliver(f)
		}
	}
}

func (t *Transport) deliver(f wire.Frame) {
	t.mu.Lock()
	hs := append([]Handler(nil), t.handlers...)
	t.mu.Unlock()
	for _, h := range hs {
		h(f)
	}
}
