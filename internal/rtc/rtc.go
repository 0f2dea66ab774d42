// Package rtc wraps WebRTC peer connections behind a small interface so the
// call state machine can run against pion in production and a fake in
// tests.
package rtc

import (
	"whisper/internal/domain"
)

// ICEServer is one STUN/TURN entry.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Config describes the peer connection to build.
type Config struct {
	ICEServers []ICEServer
	Video      bool
}

// ConfigFromTurn builds a Config from relay-issued TURN credentials.
func ConfigFromTurn(c domain.TurnCredentials, video bool) Config {
	return Config{
		ICEServers: []ICEServer{{URLs: c.URLs, Username: c.Username, Credential: c.Credential}},
		Video:      video,
	}
}

// Peer is one side of a call's media session. Callbacks must be registered
// before CreateOffer or CreateAnswer.
type Peer interface {
	// CreateOffer creates an offer and applies it locally.
	CreateOffer() (string, error)
	// CreateAnswer applies the remote offer, then creates and applies the
	// answer.
	CreateAnswer(offer string) (string, error)
	// SetAnswer applies the remote answer on the offering side.
	SetAnswer(answer string) error
	// AddICECandidate adds a remote candidate. Candidates that arrive before
	// the remote description are held and applied once it is set.
	AddICECandidate(c domain.ICECandidate) error

	OnICECandidate(fn func(domain.ICECandidate))
	OnConnected(fn func())
	OnFailed(fn func())

	Close() error
}

// Factory creates peers.
type Factory interface {
	NewPeer(cfg Config) (Peer, error)
}
