package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"whisper/internal/domain"
)

// Frame is the outer JSON object on the websocket.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

var (
	// ErrUnknownType is returned by Decode for frames this build cannot
	// interpret; the returned Message is still a valid Unknown.
	ErrUnknownType = errors.New("unknown frame type")

	errMissingType = errors.New("frame has no type")
)

var registry = map[string]func() Message{
	TypeRegisterBegin:      func() Message { return &RegisterBegin{} },
	TypeRegisterChallenge:  func() Message { return &RegisterChallenge{} },
	TypeRegisterProof:      func() Message { return &RegisterProof{} },
	TypeRegisterAck:        func() Message { return &RegisterAck{} },
	TypeSendMessage:        func() Message { return &SendMessage{} },
	TypeMessageAccepted:    func() Message { return &MessageAccepted{} },
	TypeMessageReceived:    func() Message { return &MessageReceived{} },
	TypeDeliveryReceipt:    func() Message { return &DeliveryReceipt{} },
	TypeFetchPending:       func() Message { return &FetchPending{} },
	TypePendingMessages:    func() Message { return &PendingMessages{} },
	TypeGetTurnCredentials: func() Message { return &GetTurnCredentials{} },
	TypeTurnCredentials:    func() Message { return &TurnCredentials{} },
	TypeUpdateTokens:       func() Message { return &UpdateTokens{} },
	TypePing:               func() Message { return &Ping{} },
	TypePong:               func() Message { return &Pong{} },
	TypeError:              func() Message { return &Error{} },
	TypeForceLogout:        func() Message { return &ForceLogout{} },
}

// Encode wraps m into a frame with the given request id.
func Encode(requestID string, m Message) (Frame, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", m.FrameType(), err)
	}
	return Frame{Type: m.FrameType(), RequestID: requestID, Payload: raw}, nil
}

// Marshal encodes m straight to bytes.
func Marshal(requestID string, m Message) ([]byte, error) {
	f, err := Encode(requestID, m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Parse reads one frame from b without decoding its payload.
func Parse(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, domain.Errorf(domain.CodeInvalidPayload, "malformed frame")
	}
	if f.Type == "" {
		return Frame{}, domain.Wrap(domain.CodeInvalidPayload, errMissingType)
	}
	return f, nil
}

// Decode returns the typed payload of f as a value (not a pointer).
func (f Frame) Decode() (Message, error) {
	if IsCallSignal(f.Type) {
		var c CallSignal
		if err := unmarshalPayload(f.Payload, &c); err != nil {
			return nil, err
		}
		c.Kind = f.Type
		return c, nil
	}
	mk, ok := registry[f.Type]
	if !ok {
		return Unknown{Type: f.Type}, ErrUnknownType
	}
	m := mk()
	if err := unmarshalPayload(f.Payload, m); err != nil {
		return nil, err
	}
	return deref(m), nil
}

func unmarshalPayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return domain.Errorf(domain.CodeInvalidPayload, "malformed payload")
	}
	return nil
}

func deref(m Message) Message {
	switch v := m.(type) {
	case *RegisterBegin:
		return *v
	case *RegisterChallenge:
		return *v
	case *RegisterProof:
		return *v
	case *RegisterAck:
		return *v
	case *SendMessage:
		return *v
	case *MessageAccepted:
		return *v
	case *MessageReceived:
		return *v
	case *DeliveryReceipt:
		return *v
	case *FetchPending:
		return *v
	case *PendingMessages:
		return *v
	case *GetTurnCredentials:
		return *v
	case *TurnCredentials:
		return *v
	case *UpdateTokens:
		return *v
	case *Ping:
		return *v
	case *Pong:
		return *v
	case *Error:
		return *v
	case *ForceLogout:
		return *v
	}
	return m
}

// NewCallSignal builds a call frame payload of the given kind.
func NewCallSignal(kind, sessionToken string, env domain.SignedEnvelope) CallSignal {
	return CallSignal{Kind: kind, SessionToken: sessionToken, SignedEnvelope: env}
}

// ErrorFrame converts err to an error frame addressed to requestID.
func ErrorFrame(requestID string, err error) Frame {
	f, _ := Encode(requestID, Error{
		Code:    domain.CodeOf(err),
		Message: domain.PublicMessage(err),
	})
	return f
}

// AsError turns a received error payload back into a coded error.
func (e Error) AsError() error {
	return &domain.Error{Code: e.Code, Message: e.Message}
}
