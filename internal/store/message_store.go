package store

import (
	"encoding/json"
	"sort"

	bolt "go.etcd.io/bbolt"

	"whisper/internal/domain"
)

const conversationTypeDirect = "direct"

// HasMessage is the durable duplicate check behind the in-memory deduper.
func (d *DB) HasMessage(conv domain.ConversationID, messageID string) (bool, error) {
	var found bool
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(messagesBucket)).Bucket([]byte(conv))
		found = b != nil && b.Get([]byte(messageID)) != nil
		return nil
	})
	return found, err
}

// SaveInbound persists msg and updates the conversation counters in the
// same transaction. A messageId already present leaves everything as is and
// returns false.
func (d *DB) SaveInbound(msg domain.StoredMessage) (bool, error) {
	applied := false
	err := d.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket([]byte(messagesBucket)).CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return err
		}
		if b.Get([]byte(msg.MessageID)) != nil {
			return nil
		}
		if err := putJSON(b, msg.MessageID, msg); err != nil {
			return err
		}

		cb := tx.Bucket([]byte(countersBucket))
		c, _, err := loadCounters(cb, msg.ConversationID)
		if err != nil {
			return err
		}
		c.UnreadCount++
		if msg.Timestamp >= c.LastMessageAt {
			c.LastMessageAt = msg.Timestamp
			c.LastMessagePreview = msg.Content.Preview()
		}
		applied = true
		return putJSON(cb, string(msg.ConversationID), c)
	})
	return applied, err
}

// SaveOutbound records a message the local user sent.
func (d *DB) SaveOutbound(msg domain.StoredMessage) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket([]byte(messagesBucket)).CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return err
		}
		if err := putJSON(b, msg.MessageID, msg); err != nil {
			return err
		}
		cb := tx.Bucket([]byte(countersBucket))
		c, _, err := loadCounters(cb, msg.ConversationID)
		if err != nil {
			return err
		}
		if msg.Timestamp >= c.LastMessageAt {
			c.LastMessageAt = msg.Timestamp
			c.LastMessagePreview = msg.Content.Preview()
		}
		return putJSON(cb, string(msg.ConversationID), c)
	})
}

// UpdateStatus moves a stored message forward along pending, sent,
// delivered, read. Late or reordered receipts never move it back.
func (d *DB) UpdateStatus(conv domain.ConversationID, messageID, status string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(messagesBucket)).Bucket([]byte(conv))
		if b == nil {
			return domain.Errorf(domain.CodeNotFound, "conversation %s", conv)
		}
		raw := b.Get([]byte(messageID))
		if raw == nil {
			return domain.Errorf(domain.CodeNotFound, "message %s", messageID)
		}
		var m domain.StoredMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		if !advances(m.Status, status) {
			return nil
		}
		m.Status = status
		return putJSON(b, messageID, m)
	})
}

// ListMessages returns the conversation's messages ordered by timestamp.
func (d *DB) ListMessages(conv domain.ConversationID) ([]domain.StoredMessage, error) {
	var out []domain.StoredMessage
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(messagesBucket)).Bucket([]byte(conv))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var m domain.StoredMessage
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	sortByTimestamp(out)
	return out, err
}

// Counters returns the conversation counters.
func (d *DB) Counters(conv domain.ConversationID) (domain.ConversationCounters, bool, error) {
	var (
		c  domain.ConversationCounters
		ok bool
	)
	err := d.db.View(func(tx *bolt.Tx) error {
		var err error
		c, ok, err = loadCounters(tx.Bucket([]byte(countersBucket)), conv)
		return err
	})
	return c, ok, err
}

// MarkRead resets the unread count. It is the only path that lowers it.
func (d *DB) MarkRead(conv domain.ConversationID) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket([]byte(countersBucket))
		c, ok, err := loadCounters(cb, conv)
		if err != nil || !ok {
			return err
		}
		c.UnreadCount = 0
		return putJSON(cb, string(conv), c)
	})
}

func loadCounters(b *bolt.Bucket, conv domain.ConversationID) (domain.ConversationCounters, bool, error) {
	raw := b.Get([]byte(conv))
	if raw == nil {
		return domain.ConversationCounters{ID: conv, Type: conversationTypeDirect}, false, nil
	}
	var c domain.ConversationCounters
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, false, err
	}
	return c, true, nil
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), raw)
}

var _ domain.MessageStore = (*DB)(nil)

func sortByTimestamp(ms []domain.StoredMessage) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Timestamp < ms[j].Timestamp })
}

// advances reports whether a message may move from one status to another.
// Failure is only possible before delivery; a retried failure starts over
// at pending.
func advances(from, to string) bool {
	if to == domain.StatusFailed {
		return from == domain.StatusPending || from == domain.StatusSent
	}
	return statusRank[to] > statusRank[from]
}

var statusRank = map[string]int{
	domain.StatusFailed:    0,
	domain.StatusPending:   1,
	domain.StatusSent:      2,
	domain.StatusDelivered: 3,
	domain.StatusRead:      4,
}
