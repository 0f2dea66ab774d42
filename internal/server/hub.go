package server

import (
	"sync"

	"gopkg.in/op/go-logging.v1"

	"whisper/internal/domain"
	"whisper/internal/metrics"
	"whisper/internal/protocol/wire"
)

// ReasonReplaced is the force_logout reason sent to a connection whose
// account logged in elsewhere.
const ReasonReplaced = "replaced"

// Hub is the routing table from WhisperID to live connection.
type Hub struct {
	metrics *metrics.Relay
	log     *logging.Logger

	mu    sync.Mutex
	conns map[domain.WhisperID]*conn
}

func NewHub(m *metrics.Relay, log *logging.Logger) *Hub {
	return &Hub{metrics: m, log: log, conns: make(map[domain.WhisperID]*conn)}
}

// bind makes c the connection for id. The last login wins; the connection
// it replaces is told so and closed.
func (h *Hub) bind(id domain.WhisperID, c *conn) {
	h.mu.Lock()
	old := h.conns[id]
	h.conns[id] = c
	n := len(h.conns)
	h.mu.Unlock()

	h.metrics.Connections.Set(float64(n))
	if old != nil && old != c {
		h.log.Infof("%s logged in again, dropping previous connection", id)
		h.metrics.ForcedLogouts.Inc()
		old.logout(ReasonReplaced)
	}
}

// unbind removes c if it is still the connection for id.
func (h *Hub) unbind(id domain.WhisperID, c *conn) {
	h.mu.Lock()
	if h.conns[id] == c {
		delete(h.conns, id)
	}
	n := len(h.conns)
	h.mu.Unlock()
	h.metrics.Connections.Set(float64(n))
}

// Deliver implements router.Deliverer and calls.Deliverer.
func (h *Hub) Deliver(to domain.WhisperID, m wire.Message) bool {
	h.mu.Lock()
	c := h.conns[to]
	h.mu.Unlock()
	if c == nil {
		return false
	}
	return c.send("", m)
}

// Online reports whether id has a live connection.
func (h *Hub) Online(id domain.WhisperID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[id] != nil
}
