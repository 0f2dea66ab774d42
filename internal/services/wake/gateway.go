package wake

import (
	"context"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"whisper/internal/domain"
	"whisper/internal/metrics"
)

// Payload keys the gateway reads.
const (
	KeyType      = "type"
	KeyReason    = "reason"
	KeyWhisperID = "whisperId"
)

const TypeWake = "wake"

// Wake reasons.
const (
	ReasonMessage = "message"
	ReasonCall    = "call"
)

// Intent is the sanitized form of an accepted push.
type Intent struct {
	Reason    string
	WhisperID domain.WhisperID
}

// Fetcher reconnects to the relay if needed and drains the offline queue.
type Fetcher interface {
	FetchPending(ctx context.Context) (int, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (int, error)

func (f FetcherFunc) FetchPending(ctx context.Context) (int, error) { return f(ctx) }

// CallUI is the incoming call surface.
type CallUI interface {
	IncomingCallWake(caller domain.WhisperID)
}

// Gateway dispatches wake pushes.
type Gateway struct {
	fetcher Fetcher
	calls   CallUI
	metrics *metrics.Push
	log     *logging.Logger
}

func New(fetcher Fetcher, calls CallUI, m *metrics.Push, log *logging.Logger) *Gateway {
	return &Gateway{fetcher: fetcher, calls: calls, metrics: m, log: log}
}

// Parse extracts an intent from payload. ignored reports whether payload
// carried any key outside the allow-list. ok is false for anything that is
// not a wake of a known reason.
func Parse(payload map[string]any) (intent Intent, ok, ignored bool) {
	var typ string
	for k, v := range payload {
		switch k {
		case KeyType:
			typ, _ = v.(string)
		case KeyReason:
			intent.Reason, _ = v.(string)
		case KeyWhisperID:
			s, _ := v.(string)
			intent.WhisperID = domain.WhisperID(s)
		default:
			ignored = true
		}
	}
	if typ != TypeWake {
		return Intent{}, false, ignored
	}
	switch intent.Reason {
	case ReasonMessage:
		return intent, true, ignored
	case ReasonCall:
		return intent, intent.WhisperID != "", ignored
	}
	return Intent{}, false, ignored
}

// Handle acts on one push payload. It returns the intent it acted on, or
// false when the payload was ignored.
func (g *Gateway) Handle(ctx context.Context, payload map[string]any) (Intent, bool, error) {
	intent, ok, ignored := Parse(payload)
	if ignored {
		g.metrics.ContentIgnored.Inc()
		g.log.Warningf("push carried non-wake keys; discarded")
	}
	if !ok {
		g.metrics.Ignored.Inc()
		return Intent{}, false, nil
	}
	g.metrics.Handled.WithLabelValues(intent.Reason).Inc()

	switch intent.Reason {
	case ReasonCall:
		g.log.Infof("call wake from %s", intent.WhisperID)
		g.calls.IncomingCallWake(intent.WhisperID)
		return intent, true, nil
	default:
		n, err := g.fetcher.FetchPending(ctx)
		if err != nil {
			return intent, true, fmt.Errorf("wake fetch: %w", err)
		}
		g.log.Infof("message wake applied %d pending envelopes", n)
		return intent, true, nil
	}
}
