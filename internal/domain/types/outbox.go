package types

// OutboxState is the lifecycle state of an outbox item.
type OutboxState string

const (
	OutboxQueued  OutboxState = "queued"
	OutboxSending OutboxState = "sending"
	OutboxSent    OutboxState = "sent"
	OutboxFailed  OutboxState = "failed"
)

// OutboxItem is one user send action waiting for a relay acknowledgement.
// Seq is assigned by the store and fixes enqueue order.
type OutboxItem struct {
	LocalID        string         `json:"local_id"`
	Seq            uint64         `json:"seq"`
	ConversationID ConversationID `json:"conversation_id"`
	FrameType      string         `json:"frame_type"`
	Envelope       SignedEnvelope `json:"envelope"`
	Attempt        int            `json:"attempt"`
	NextRetryAt    int64          `json:"next_retry_at"`
	State          OutboxState    `json:"state"`
	CreatedAt      int64          `json:"created_at"`
	LastError      string         `json:"last_error,omitempty"`
}
