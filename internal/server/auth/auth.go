// Package auth runs the relay side of registration: one-shot challenges,
// the user directory and session tokens.
package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"whisper/internal/domain"
	"whisper/internal/protocol/canonical"
	"whisper/internal/protocol/wire"
	"whisper/internal/server/store"
)

const (
	ChallengeTTL = 60 * time.Second
	SessionTTL   = 7 * 24 * time.Hour

	challengeSize = 32
	tokenSize     = 32
)

// Users is the user directory.
type Users interface {
	CreateUser(u store.User) error
	User(id domain.WhisperID) (store.User, bool, error)
	UpdateDevice(id domain.WhisperID, deviceID, platform, pushToken string) error
	SetPushToken(id domain.WhisperID, token string) error
}

// Session is an authenticated login.
type Session struct {
	Token     string
	WhisperID domain.WhisperID
	DeviceID  string
	ExpiresAt time.Time
}

type challenge struct {
	value    []byte
	deviceID string
	expires  time.Time
}

// Service issues challenges and sessions.
type Service struct {
	users Users
	log   *logging.Logger
	now   func() time.Time

	mu         sync.Mutex
	challenges map[string]challenge
	sessions   map[string]Session
}

func New(users Users, log *logging.Logger) *Service {
	return &Service{
		users:      users,
		log:        log,
		now:        time.Now,
		challenges: make(map[string]challenge),
		sessions:   make(map[string]Session),
	}
}

// SetClock replaces the service clock.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Begin issues a challenge for one registration attempt.
func (s *Service) Begin(b wire.RegisterBegin) (wire.RegisterChallenge, error) {
	if b.ProtocolVersion != wire.ProtocolVersion || b.CryptoVersion != wire.CryptoVersion {
		return wire.RegisterChallenge{}, domain.Errorf(domain.CodeInvalidPayload,
			"unsupported version %d/%d", b.ProtocolVersion, b.CryptoVersion)
	}
	if b.DeviceID == "" {
		return wire.RegisterChallenge{}, domain.Errorf(domain.CodeInvalidPayload, "deviceId required")
	}
	value := make([]byte, challengeSize)
	if _, err := rand.Read(value); err != nil {
		return wire.RegisterChallenge{}, err
	}
	id := uuid.NewString()
	expires := s.now().Add(ChallengeTTL)

	s.mu.Lock()
	s.challenges[id] = challenge{value: value, deviceID: b.DeviceID, expires: expires}
	s.mu.Unlock()

	return wire.RegisterChallenge{ChallengeID: id, Challenge: value, ExpiresAt: expires.UnixMilli()}, nil
}

// Complete checks the proof and returns a fresh session. A challenge is
// consumed by the first proof that names it, valid or not.
func (s *Service) Complete(p wire.RegisterProof) (wire.RegisterAck, Session, error) {
	now := s.now()

	s.mu.Lock()
	ch, ok := s.challenges[p.ChallengeID]
	delete(s.challenges, p.ChallengeID)
	s.mu.Unlock()

	if !ok || !now.Before(ch.expires) {
		return wire.RegisterAck{}, Session{}, domain.Errorf(domain.CodeAuthFailed, "unknown or expired challenge")
	}
	if ch.deviceID != p.DeviceID {
		return wire.RegisterAck{}, Session{}, domain.Errorf(domain.CodeAuthFailed, "challenge issued to another device")
	}
	var sign domain.Ed25519Public
	if len(p.EncPublicKey) != 32 || len(p.SignPublicKey) != len(sign) {
		return wire.RegisterAck{}, Session{}, domain.Errorf(domain.CodeInvalidPayload, "malformed public keys")
	}
	copy(sign[:], p.SignPublicKey)
	if !canonical.VerifyChallenge(ch.value, p.Signature, sign) {
		return wire.RegisterAck{}, Session{}, domain.Errorf(domain.CodeAuthFailed, "bad challenge signature")
	}

	id, err := s.bind(p, now)
	if err != nil {
		return wire.RegisterAck{}, Session{}, err
	}
	sess, err := s.issue(id, p.DeviceID, now)
	if err != nil {
		return wire.RegisterAck{}, Session{}, err
	}
	s.log.Infof("registered %s device %s", id, p.DeviceID)
	return wire.RegisterAck{
		Success:          true,
		WhisperID:        id,
		SessionToken:     sess.Token,
		SessionExpiresAt: sess.ExpiresAt.UnixMilli(),
		ServerTime:       now.UnixMilli(),
	}, sess, nil
}

// bind resolves the account the proof logs into, creating one when the
// client has no WhisperID yet.
func (s *Service) bind(p wire.RegisterProof, now time.Time) (domain.WhisperID, error) {
	if p.WhisperID != "" {
		u, ok, err := s.users.User(p.WhisperID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", domain.Errorf(domain.CodeAuthFailed, "unknown whisperId %s", p.WhisperID)
		}
		if !bytes.Equal(u.EncPublicKey, p.EncPublicKey) || !bytes.Equal(u.SignPublicKey, p.SignPublicKey) {
			return "", domain.Errorf(domain.CodeAuthFailed, "keys do not match %s", p.WhisperID)
		}
		return u.WhisperID, s.users.UpdateDevice(u.WhisperID, p.DeviceID, p.Platform, p.PushToken)
	}

	for range 5 {
		id, err := NewWhisperID()
		if err != nil {
			return "", err
		}
		err = s.users.CreateUser(store.User{
			WhisperID:     id,
			EncPublicKey:  p.EncPublicKey,
			SignPublicKey: p.SignPublicKey,
			DeviceID:      p.DeviceID,
			Platform:      p.Platform,
			PushToken:     p.PushToken,
			CreatedAt:     now.UnixMilli(),
		})
		if errors.Is(err, domain.ErrForbidden) {
			continue
		}
		return id, err
	}
	return "", domain.Errorf(domain.CodeInternal, "could not allocate whisperId")
}

// issue creates a session and revokes the user's older ones.
func (s *Service) issue(id domain.WhisperID, deviceID string, now time.Time) (Session, error) {
	raw := make([]byte, tokenSize)
	if _, err := rand.Read(raw); err != nil {
		return Session{}, err
	}
	sess := Session{
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		WhisperID: id,
		DeviceID:  deviceID,
		ExpiresAt: now.Add(SessionTTL),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, old := range s.sessions {
		if old.WhisperID == id {
			delete(s.sessions, tok)
		}
	}
	s.sessions[sess.Token] = sess
	return sess, nil
}

// Authenticate resolves a session token.
func (s *Service) Authenticate(token string) (Session, error) {
	if token == "" {
		return Session{}, domain.Errorf(domain.CodeAuthFailed, "missing session token")
	}
	s.mu.Lock()
	sess, ok := s.sessions[token]
	s.mu.Unlock()
	if !ok || !s.now().Before(sess.ExpiresAt) {
		return Session{}, domain.Errorf(domain.CodeAuthFailed, "invalid session")
	}
	return sess, nil
}

// UpdatePushToken stores the push token of the session's user.
func (s *Service) UpdatePushToken(token, pushToken string) error {
	sess, err := s.Authenticate(token)
	if err != nil {
		return err
	}
	return s.users.SetPushToken(sess.WhisperID, pushToken)
}

// Sweep drops expired challenges and sessions.
func (s *Service) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.challenges {
		if !now.Before(c.expires) {
			delete(s.challenges, id)
		}
	}
	for tok, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, tok)
		}
	}
}

// PeerKeys implements domain.KeyDirectory over the user directory.
func (s *Service) PeerKeys(_ context.Context, id domain.WhisperID) (domain.PublicKeys, error) {
	u, ok, err := s.users.User(id)
	if err != nil {
		return domain.PublicKeys{}, err
	}
	if !ok {
		return domain.PublicKeys{}, domain.Errorf(domain.CodeNotFound, "user %s", id)
	}
	return u.PublicKeys(), nil
}

// PushToken returns the push token registered for id, if any.
func (s *Service) PushToken(id domain.WhisperID) string {
	u, ok, err := s.users.User(id)
	if err != nil || !ok {
		return ""
	}
	return u.PushToken
}

var _ domain.KeyDirectory = (*Service)(nil)

// NewWhisperID returns a random WSP-XXXX-XXXX-XXXX identifier over the
// RFC 4648 base32 alphabet.
func NewWhisperID() (domain.WhisperID, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw[:])[:12]
	return domain.WhisperID("WSP-" + enc[0:4] + "-" + enc[4:8] + "-" + enc[8:12]), nil
}
