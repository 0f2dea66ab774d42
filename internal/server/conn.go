package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coder/websocket"
	"gopkg.in/op/go-logging.v1"

	"whisper/internal/domain"
	"whisper/internal/protocol/wire"
)

// conn is one client websocket. The read loop runs in serveConn; writes go
// through out so a slow client never blocks routing.
type conn struct {
	ws     *websocket.Conn
	remote string
	log    *logging.Logger

	out   chan []byte
	final chan []byte
	done  chan struct{}
	once  sync.Once

	mu sync.Mutex
	id domain.WhisperID
}

func newConn(ws *websocket.Conn, remote string, queue int, log *logging.Logger) *conn {
	return &conn{
		ws:     ws,
		remote: remote,
		log:    log,
		out:    make(chan []byte, queue),
		final:  make(chan []byte, 1),
		done:   make(chan struct{}),
	}
}

func (c *conn) identity() domain.WhisperID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *conn) login(id domain.WhisperID) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

// send queues m. A full queue means the client stopped reading; the
// connection is dropped and the frame is left to the offline queue.
func (c *conn) send(requestID string, m wire.Message) bool {
	b, err := wire.Marshal(requestID, m)
	if err != nil {
		c.log.Errorf("encode %s: %v", m.FrameType(), err)
		return false
	}
	return c.sendRaw(b)
}

func (c *conn) sendFrame(f wire.Frame) bool {
	b, err := json.Marshal(f)
	if err != nil {
		return false
	}
	return c.sendRaw(b)
}

func (c *conn) sendRaw(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- b:
		return true
	default:
		c.log.Warningf("%s: send queue full, closing", c.remote)
		c.close(websocket.StatusPolicyViolation, "slow consumer")
		return false
	}
}

// logout writes force_logout as the last frame and closes.
func (c *conn) logout(reason string) {
	b, err := wire.Marshal("", wire.ForceLogout{Reason: reason})
	if err != nil {
		return
	}
	select {
	case c.final <- b:
	default:
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		var b []byte
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case b = <-c.final:
			_ = c.ws.Write(ctx, websocket.MessageText, b)
			c.close(websocket.StatusNormalClosure, ReasonReplaced)
			return
		case b = <-c.out:
		}
		if err := c.ws.Write(ctx, websocket.MessageText, b); err != nil {
			c.close(websocket.StatusInternalError, "write failed")
			return
		}
	}
}
