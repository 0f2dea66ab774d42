package types

// Canonical messageType values carried inside signed envelopes.
const (
	MessageTypeChat      = "send_message"
	MessageTypeDelivered = "delivered"
	MessageTypeRead      = "read"
)

// Content kinds carried in the encrypted body of a chat message.
const (
	ContentText     = "text"
	ContentImage    = "image"
	ContentAudio    = "audio"
	ContentFile     = "file"
	ContentLocation = "location"
)

// SignedEnvelope is the unit every message, receipt and call signal travels
// in. Byte fields serialize as standard base64.
type SignedEnvelope struct {
	MessageType string    `json:"messageType"`
	MessageID   string    `json:"messageId"`
	From        WhisperID `json:"from"`
	To          WhisperID `json:"to"`
	Timestamp   int64     `json:"timestamp"`
	Nonce       []byte    `json:"nonce"`
	Ciphertext  []byte    `json:"ciphertext"`
	Sig         []byte    `json:"sig"`
}

// AttachmentPointer references an encrypted blob in the relay object store.
// Key holds the sealed file key; Nonce belongs to the blob ciphertext.
type AttachmentPointer struct {
	ObjectKey   string `json:"objectKey"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Nonce       []byte `json:"nonce"`
	KeyNonce    []byte `json:"keyNonce"`
	KeyBox      []byte `json:"keyBox"`
	FileName    string `json:"fileName,omitempty"`
}

// MessageContent is the plaintext sealed into a chat envelope.
type MessageContent struct {
	Kind       string             `json:"kind"`
	Text       string             `json:"text,omitempty"`
	ReplyTo    string             `json:"replyTo,omitempty"`
	Attachment *AttachmentPointer `json:"attachment,omitempty"`
	Latitude   float64            `json:"lat,omitempty"`
	Longitude  float64            `json:"lng,omitempty"`
}

// Preview returns a short line suitable for a conversation list.
func (c MessageContent) Preview() string {
	switch c.Kind {
	case ContentText:
		r := []rune(c.Text)
		if len(r) > 64 {
			return string(r[:64])
		}
		return c.Text
	case ContentLocation:
		return "[location]"
	default:
		return "[" + c.Kind + "]"
	}
}

// Receipt is the plaintext sealed into a delivered/read receipt envelope.
// The envelope messageId is the id being acknowledged.
type Receipt struct {
	Status string `json:"status"`
	At     int64  `json:"at"`
}

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Message statuses tracked on the client.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// StoredMessage is a decrypted message persisted on the client.
type StoredMessage struct {
	ConversationID ConversationID `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	From           WhisperID      `json:"from"`
	To             WhisperID      `json:"to"`
	Timestamp      int64          `json:"timestamp"`
	Direction      string         `json:"direction"`
	Status         string         `json:"status"`
	Content        MessageContent `json:"content"`
}

// ConversationCounters are derived from accepted inbound envelopes.
// UnreadCount only grows by one per distinct messageId and only MarkRead
// resets it.
type ConversationCounters struct {
	ID                 ConversationID `json:"id"`
	Type               string         `json:"type"`
	LastMessageAt      int64          `json:"last_message_at"`
	UnreadCount        int            `json:"unread_count"`
	LastMessagePreview string         `json:"last_message_preview"`
}

// PendingMessage is an envelope held by the relay for an offline recipient.
type PendingMessage struct {
	RecipientID WhisperID      `json:"recipientId"`
	Seq         uint64         `json:"seq"`
	Envelope    SignedEnvelope `json:"envelope"`
	CreatedAt   int64          `json:"createdAt"`
}
