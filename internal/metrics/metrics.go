// Package metrics declares the prometheus collectors used across whisper.
// Collectors are registered on an injected Registerer so tests can use a
// private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "whisper"

// Outbox tracks the client send queue.
type Outbox struct {
	Enqueued      prometheus.Counter
	Sent          prometheus.Counter
	Failed        prometheus.Counter
	Retries       prometheus.Counter
	Depth         prometheus.Gauge
	OldestItemAge prometheus.Gauge
}

// NewOutbox registers the outbox collectors on reg.
func NewOutbox(reg prometheus.Registerer) *Outbox {
	f := promauto.With(reg)
	return &Outbox{
		Enqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "enqueued_total",
			Help: "Items added to the outbox.",
		}),
		Sent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "sent_total",
			Help: "Items acknowledged by the relay.",
		}),
		Failed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "failed_total",
			Help: "Items moved to the failed state.",
		}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "retries_total",
			Help: "Transmission retries scheduled.",
		}),
		Depth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "depth",
			Help: "Items currently held in the outbox.",
		}),
		OldestItemAge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "oldest_item_age_seconds",
			Help: "Age of the oldest item still in the outbox.",
		}),
	}
}

// Push tracks wake pushes handled by the client.
type Push struct {
	ContentIgnored prometheus.Counter
	Ignored        prometheus.Counter
	Handled        *prometheus.CounterVec
}

// NewPush registers the push gateway collectors on reg.
func NewPush(reg prometheus.Registerer) *Push {
	f := promauto.With(reg)
	return &Push{
		ContentIgnored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "push", Name: "content_ignored_total",
			Help: "Push payloads that carried keys outside the wake allow-list.",
		}),
		Ignored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "push", Name: "ignored_total",
			Help: "Push payloads with an unrecognized type or reason.",
		}),
		Handled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "push", Name: "handled_total",
			Help: "Wake pushes acted upon, by reason.",
		}, []string{"reason"}),
	}
}

// Relay tracks server side routing and signaling.
type Relay struct {
	Connections     prometheus.Gauge
	Frames          *prometheus.CounterVec
	Rejected        *prometheus.CounterVec
	Delivered       *prometheus.CounterVec
	PendingExpired  prometheus.Counter
	CallsActive     prometheus.Gauge
	CallsEnded      *prometheus.CounterVec
	TurnIssued      prometheus.Counter
	ForcedLogouts   prometheus.Counter
	HTTPRequests    *prometheus.CounterVec
	BackupsStored   prometheus.Counter
	AttachmentsSeen prometheus.Counter
}

// NewRelay registers the relay collectors on reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)
	return &Relay{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "connections",
			Help: "Authenticated websocket connections.",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "frames_total",
			Help: "Inbound frames by type.",
		}, []string{"type"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "rejected_total",
			Help: "Rejected frames by error code.",
		}, []string{"code"}),
		Delivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "delivered_total",
			Help: "Accepted envelopes by outcome (delivered or stored).",
		}, []string{"status"}),
		PendingExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "pending_expired_total",
			Help: "Pending messages removed by the retention sweep.",
		}),
		CallsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "calls_active",
			Help: "Calls currently tracked.",
		}),
		CallsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "calls_ended_total",
			Help: "Calls ended, by reason.",
		}, []string{"reason"}),
		TurnIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "turn_credentials_issued_total",
			Help: "TURN credentials issued.",
		}),
		ForcedLogouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "forced_logouts_total",
			Help: "Connections replaced by a newer login of the same account.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "REST requests by route and status class.",
		}, []string{"route", "code"}),
		BackupsStored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "backups_stored_total",
			Help: "Contacts backups written.",
		}),
		AttachmentsSeen: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "attachments_uploaded_total",
			Help: "Attachment blobs uploaded.",
		}),
	}
}

// Handler exposes the collectors of g over HTTP.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
