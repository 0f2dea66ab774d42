package interfaces

import domaintypes "whisper/internal/domain/types"

// IdentityStore persists the long-term identity keys, encrypted at rest.
type IdentityStore interface {
	SaveIdentity(passphrase string, id domaintypes.Identity) error
	LoadIdentity(passphrase string) (domaintypes.Identity, error)
}

// OutboxStore is the durable backing of the outbox queue. Put assigns the
// sequence number that fixes enqueue order.
type OutboxStore interface {
	PutOutboxItem(item domaintypes.OutboxItem) (domaintypes.OutboxItem, error)
	UpdateOutboxItem(item domaintypes.OutboxItem) error
	DeleteOutboxItem(localID string) error
	ListOutboxItems() ([]domaintypes.OutboxItem, error)
}

// MessageStore persists decrypted messages and conversation counters.
//
// SaveInbound stores msg and bumps the conversation counters in one
// transaction; it returns false without touching anything when the
// messageId is already stored.
type MessageStore interface {
	HasMessage(conv domaintypes.ConversationID, messageID string) (bool, error)
	SaveInbound(msg domaintypes.StoredMessage) (bool, error)
	SaveOutbound(msg domaintypes.StoredMessage) error
	UpdateStatus(conv domaintypes.ConversationID, messageID, status string) error
	ListMessages(conv domaintypes.ConversationID) ([]domaintypes.StoredMessage, error)
	Counters(conv domaintypes.ConversationID) (domaintypes.ConversationCounters, bool, error)
	MarkRead(conv domaintypes.ConversationID) error
}
