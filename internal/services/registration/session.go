package registration

import (
	"sync"
	"time"

	"whisper/internal/domain"
)

// Session holds the unlocked identity and the current relay session for
// the other services. The zero value has neither.
type Session struct {
	mu      sync.RWMutex
	id      domain.Identity
	hasID   bool
	profile domain.AccountProfile
}

// NewSession returns a session holding id.
func NewSession(id domain.Identity) *Session {
	return &Session{id: id, hasID: true}
}

func (s *Session) Identity() (domain.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id, s.hasID
}

func (s *Session) WhisperID() domain.WhisperID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id.WhisperID
}

// SessionToken returns the token, or "" once it has expired.
func (s *Session) SessionToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.profile.SessionValid(time.Now()) {
		return ""
	}
	return s.profile.SessionToken
}

func (s *Session) Profile() domain.AccountProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

func (s *Session) setProfile(p domain.AccountProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
	s.id.WhisperID = p.WhisperID
}

// Clear forgets the session token. The identity stays loaded.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile.SessionToken = ""
	s.profile.SessionExpiresAt = 0
}
