package wire

import "whisper/internal/domain"

// Message is implemented by every payload type.
type Message interface {
	FrameType() string
}

type RegisterBegin struct {
	ProtocolVersion int              `json:"protocolVersion"`
	CryptoVersion   int              `json:"cryptoVersion"`
	DeviceID        string           `json:"deviceId"`
	Platform        string           `json:"platform"`
	WhisperID       domain.WhisperID `json:"whisperId,omitempty"`
}

type RegisterChallenge struct {
	ChallengeID string `json:"challengeId"`
	Challenge   []byte `json:"challenge"`
	ExpiresAt   int64  `json:"expiresAt"`
}

type RegisterProof struct {
	ProtocolVersion int              `json:"protocolVersion"`
	CryptoVersion   int              `json:"cryptoVersion"`
	ChallengeID     string           `json:"challengeId"`
	DeviceID        string           `json:"deviceId"`
	Platform        string           `json:"platform"`
	WhisperID       domain.WhisperID `json:"whisperId,omitempty"`
	EncPublicKey    []byte           `json:"encPublicKey"`
	SignPublicKey   []byte           `json:"signPublicKey"`
	Signature       []byte           `json:"signature"`
	PushToken       string           `json:"pushToken,omitempty"`
}

type RegisterAck struct {
	Success          bool             `json:"success"`
	WhisperID        domain.WhisperID `json:"whisperId"`
	SessionToken     string           `json:"sessionToken"`
	SessionExpiresAt int64            `json:"sessionExpiresAt"`
	ServerTime       int64            `json:"serverTime"`
}

// SendMessage flattens the signed envelope next to the session token.
type SendMessage struct {
	SessionToken string `json:"sessionToken"`
	domain.SignedEnvelope
}

type MessageAccepted struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// Acceptance statuses.
const (
	AcceptedDelivered = "delivered"
	AcceptedStored    = "stored"
)

type MessageReceived struct {
	domain.SignedEnvelope
}

// DeliveryReceipt carries a delivered/read receipt envelope whose messageId
// is the acknowledged message.
type DeliveryReceipt struct {
	SessionToken string `json:"sessionToken,omitempty"`
	domain.SignedEnvelope
}

// FetchPending pages through the offline queue. Ack lists messageIds the
// client has durably applied; the relay deletes them before listing.
type FetchPending struct {
	SessionToken string   `json:"sessionToken"`
	Cursor       string   `json:"cursor,omitempty"`
	Limit        int      `json:"limit"`
	Ack          []string `json:"ack,omitempty"`
}

type PendingMessages struct {
	Messages   []domain.SignedEnvelope `json:"messages"`
	NextCursor string                  `json:"nextCursor,omitempty"`
}

type GetTurnCredentials struct {
	SessionToken string `json:"sessionToken"`
}

type TurnCredentials struct {
	domain.TurnCredentials
}

// CallSignal is the payload of every call_* frame. The envelope messageId
// is the callId and the canonical messageType is the frame type. Reason is
// only meaningful on call_end.
type CallSignal struct {
	Kind         string `json:"-"`
	SessionToken string `json:"sessionToken,omitempty"`
	IsVideo      bool   `json:"isVideo,omitempty"`
	Reason       string `json:"reason,omitempty"`
	domain.SignedEnvelope
}

// CallID returns the call identifier carried in the envelope.
func (c CallSignal) CallID() string { return c.MessageID }

type UpdateTokens struct {
	SessionToken string `json:"sessionToken"`
	PushToken    string `json:"pushToken"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp  int64 `json:"timestamp"`
	ServerTime int64 `json:"serverTime"`
}

type Error struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

type ForceLogout struct {
	Reason string `json:"reason"`
}

// Unknown is what an unrecognized frame type decodes to.
type Unknown struct {
	Type string
}

func (RegisterBegin) FrameType() string      { return TypeRegisterBegin }
func (RegisterChallenge) FrameType() string  { return TypeRegisterChallenge }
func (RegisterProof) FrameType() string      { return TypeRegisterProof }
func (RegisterAck) FrameType() string        { return TypeRegisterAck }
func (SendMessage) FrameType() string        { return TypeSendMessage }
func (MessageAccepted) FrameType() string    { return TypeMessageAccepted }
func (MessageReceived) FrameType() string    { return TypeMessageReceived }
func (DeliveryReceipt) FrameType() string    { return TypeDeliveryReceipt }
func (FetchPending) FrameType() string       { return TypeFetchPending }
func (PendingMessages) FrameType() string    { return TypePendingMessages }
func (GetTurnCredentials) FrameType() string { return TypeGetTurnCredentials }
func (TurnCredentials) FrameType() string    { return TypeTurnCredentials }
func (c CallSignal) FrameType() string       { return c.Kind }
func (UpdateTokens) FrameType() string       { return TypeUpdateTokens }
func (Ping) FrameType() string               { return TypePing }
func (Pong) FrameType() string               { return TypePong }
func (Error) FrameType() string              { return TypeError }
func (ForceLogout) FrameType() string        { return TypeForceLogout }
func (u Unknown) FrameType() string          { return u.Type }
