package calls

import (
	"gopkg.in/op/go-logging.v1"

	"whisper/internal/domain"
)

// Wake push payload values.
const (
	WakeType          = "wake"
	WakeReasonMessage = "message"
	WakeReasonCall    = "call"
)

// PushSender delivers a wake push to a device. Payloads only ever carry
// type, reason and whisperId.
type PushSender interface {
	Wake(to domain.WhisperID, token string, payload map[string]string) error
}

// WakePayload builds the only payload shape the relay pushes.
func WakePayload(reason string, about domain.WhisperID) map[string]string {
	return map[string]string{"type": WakeType, "reason": reason, "whisperId": string(about)}
}

// LogPush stands in for a push provider and only logs the wake.
type LogPush struct {
	Log *logging.Logger
}

func (p LogPush) Wake(to domain.WhisperID, token string, payload map[string]string) error {
	if token == "" {
		p.Log.Debugf("no push token for %s, %s wake dropped", to, payload["reason"])
		return nil
	}
	p.Log.Infof("wake %s: reason=%s whisperId=%s", to, payload["reason"], payload["whisperId"])
	return nil
}
