package registration

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"whisper/internal/domain"
	"whisper/internal/protocol/canonical"
	"whisper/internal/protocol/envelope"
	"whisper/internal/protocol/wire"
	"whisper/internal/relay"
)

// Platform is reported to the relay on register_begin.
const Platform = "go"

// Service runs the challenge/response handshake on every (re)connect.
type Service struct {
	serverURL string
	accounts  domain.AccountStore
	session   *Session
	log       *logging.Logger

	pushToken string
	onAck     []func(domain.AccountProfile)
}

func New(serverURL string, accounts domain.AccountStore, session *Session, log *logging.Logger) *Service {
	return &Service{serverURL: serverURL, accounts: accounts, session: session, log: log}
}

// SetPushToken sets the token sent with register_proof.
func (s *Service) SetPushToken(token string) { s.pushToken = token }

// OnRegistered subscribes fn to successful handshakes.
func (s *Service) OnRegistered(fn func(domain.AccountProfile)) {
	s.onAck = append(s.onAck, fn)
}

// Register proves possession of the signing key and stores the resulting
// session. It has the relay.OnConnect signature so the transport runs it on
// every new connection before anything else is sent.
func (s *Service) Register(ctx context.Context, r relay.Requester) error {
	id, ok := s.session.Identity()
	if !ok {
		return domain.Errorf(domain.CodeAuthFailed, "no identity loaded")
	}
	prev, found, err := s.accounts.LoadAccountProfile(s.serverURL)
	if err != nil {
		return err
	}
	deviceID := prev.DeviceID
	if !found || deviceID == "" {
		deviceID = uuid.NewString()
	}
	if id.WhisperID == "" && found {
		id.WhisperID = prev.WhisperID
	}

	f, err := r.Request(ctx, wire.RegisterBegin{
		ProtocolVersion: wire.ProtocolVersion,
		CryptoVersion:   wire.CryptoVersion,
		DeviceID:        deviceID,
		Platform:        Platform,
		WhisperID:       id.WhisperID,
	})
	if err != nil {
		return fmt.Errorf("register_begin: %w", err)
	}
	ch, err := decode[wire.RegisterChallenge](f)
	if err != nil {
		return err
	}

	pub := envelope.PublicKeysOf(id)
	f, err = r.Request(ctx, wire.RegisterProof{
		ProtocolVersion: wire.ProtocolVersion,
		CryptoVersion:   wire.CryptoVersion,
		ChallengeID:     ch.ChallengeID,
		DeviceID:        deviceID,
		Platform:        Platform,
		WhisperID:       id.WhisperID,
		EncPublicKey:    pub.EncPublicKey,
		SignPublicKey:   pub.SignPublicKey,
		Signature:       canonical.SignChallenge(ch.Challenge, id.SignPrivateKey),
		PushToken:       s.pushToken,
	})
	if err != nil {
		return fmt.Errorf("register_proof: %w", err)
	}
	ack, err := decode[wire.RegisterAck](f)
	if err != nil {
		return err
	}
	if !ack.Success || ack.SessionToken == "" {
		return domain.Errorf(domain.CodeAuthFailed, "registration rejected")
	}
	if id.WhisperID != "" && ack.WhisperID != id.WhisperID {
		return domain.Errorf(domain.CodeAuthFailed, "relay assigned %s, expected %s", ack.WhisperID, id.WhisperID)
	}

	profile := domain.AccountProfile{
		ServerURL:        s.serverURL,
		WhisperID:        ack.WhisperID,
		DeviceID:         deviceID,
		SessionToken:     ack.SessionToken,
		SessionExpiresAt: ack.SessionExpiresAt,
	}
	if err := s.accounts.SaveAccountProfile(profile); err != nil {
		return err
	}
	s.session.setProfile(profile)
	s.log.Infof("registered as %s on %s", ack.WhisperID, s.serverURL)

	for _, fn := range s.onAck {
		fn(profile)
	}
	return nil
}

// UpdatePushToken sends a new push token for the current session.
func (s *Service) UpdatePushToken(ctx context.Context, r relay.Requester, token string) error {
	s.pushToken = token
	return r.Send(ctx, wire.UpdateTokens{SessionToken: s.session.SessionToken(), PushToken: token})
}

// Logout forgets the stored session for this relay.
func (s *Service) Logout() error {
	s.session.Clear()
	return s.accounts.DeleteAccountProfile(s.serverURL)
}

func decode[T wire.Message](f wire.Frame) (T, error) {
	var zero T
	m, err := f.Decode()
	if err != nil {
		return zero, err
	}
	v, ok := m.(T)
	if !ok {
		return zero, domain.Errorf(domain.CodeInvalidPayload, "unexpected %s frame", f.Type)
	}
	return v, nil
}
