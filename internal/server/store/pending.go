package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"whisper/internal/domain"
)

// The offline queue keeps one sub-bucket per recipient under pending,
// keyed by a per-recipient sequence. pending_index holds, per recipient,
// messageId\x00seq keys so acks and receipts find entries without a scan.

// PutPending appends env to the recipient's queue and returns its
// sequence number. An envelope already queued with the same sender,
// messageType and messageId is not queued again; its sequence is returned
// with added false.
func (d *DB) PutPending(recipient domain.WhisperID, env domain.SignedEnvelope, now int64) (seq uint64, added bool, err error) {
	err = d.db.Update(func(tx *bolt.Tx) error {
		b, idx, err := pendingBuckets(tx, recipient, true)
		if err != nil {
			return err
		}
		prefix := append([]byte(env.MessageID), 0)
		c := idx.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			raw := b.Get(k[len(prefix):])
			if raw == nil {
				continue
			}
			var pm domain.PendingMessage
			if err := json.Unmarshal(raw, &pm); err != nil {
				return err
			}
			if pm.Envelope.From == env.From && pm.Envelope.MessageType == env.MessageType {
				seq = pm.Seq
				return nil
			}
		}

		if seq, err = b.NextSequence(); err != nil {
			return err
		}
		pm := domain.PendingMessage{RecipientID: recipient, Seq: seq, Envelope: env, CreatedAt: now}
		if err := putJSON(b, seqKey(seq), pm); err != nil {
			return err
		}
		added = true
		return idx.Put(indexKey(env.MessageID, seq), nil)
	})
	return seq, added, err
}

// ListPending returns up to limit entries with a sequence above after, in
// order. more reports whether further entries exist.
func (d *DB) ListPending(recipient domain.WhisperID, after uint64, limit int) (out []domain.PendingMessage, more bool, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		b, _, err := pendingBuckets(tx, recipient, false)
		if err != nil || b == nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.Seek(seqKey(after + 1)); k != nil; k, v = c.Next() {
			if len(out) == limit {
				more = true
				return nil
			}
			var pm domain.PendingMessage
			if err := json.Unmarshal(v, &pm); err != nil {
				return err
			}
			out = append(out, pm)
		}
		return nil
	})
	return out, more, err
}

// AckPending deletes every queued entry of recipient whose messageId is in
// ids and returns how many were removed.
func (d *DB) AckPending(recipient domain.WhisperID, ids []string) (int, error) {
	return d.deletePending(recipient, ids, func(domain.PendingMessage) bool { return true })
}

// DeletePendingMessage removes the queued chat message messageID for
// recipient. It is how a delivered receipt clears a message the recipient
// received live.
func (d *DB) DeletePendingMessage(recipient domain.WhisperID, messageID string) (int, error) {
	return d.deletePending(recipient, []string{messageID}, func(pm domain.PendingMessage) bool {
		return pm.Envelope.MessageType == domain.MessageTypeChat
	})
}

func (d *DB) deletePending(recipient domain.WhisperID, ids []string, match func(domain.PendingMessage) bool) (int, error) {
	n := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		b, idx, err := pendingBuckets(tx, recipient, false)
		if err != nil || b == nil {
			return err
		}
		for _, id := range ids {
			prefix := append([]byte(id), 0)
			var keys [][]byte
			c := idx.Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
			for _, k := range keys {
				seq := k[len(prefix):]
				raw := b.Get(seq)
				if raw != nil {
					var pm domain.PendingMessage
					if err := json.Unmarshal(raw, &pm); err != nil {
						return err
					}
					if !match(pm) {
						continue
					}
					if err := b.Delete(seq); err != nil {
						return err
					}
					n++
				}
				if err := idx.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return n, err
}

// SweepPending deletes every entry created before cutoff (ms) and returns
// how many were removed.
func (d *DB) SweepPending(cutoff int64) (int, error) {
	n := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(pendingBucket))
		iroot := tx.Bucket([]byte(pendingIndexBucket))
		return root.ForEachBucket(func(name []byte) error {
			b := root.Bucket(name)
			idx := iroot.Bucket(name)
			var stale []domain.PendingMessage
			err := b.ForEach(func(_, v []byte) error {
				var pm domain.PendingMessage
				if err := json.Unmarshal(v, &pm); err != nil {
					return err
				}
				if pm.CreatedAt < cutoff {
					stale = append(stale, pm)
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, pm := range stale {
				if err := b.Delete(seqKey(pm.Seq)); err != nil {
					return err
				}
				if idx != nil {
					if err := idx.Delete(indexKey(pm.Envelope.MessageID, pm.Seq)); err != nil {
						return err
					}
				}
				n++
			}
			return nil
		})
	})
	return n, err
}

func pendingBuckets(tx *bolt.Tx, recipient domain.WhisperID, create bool) (*bolt.Bucket, *bolt.Bucket, error) {
	root := tx.Bucket([]byte(pendingBucket))
	iroot := tx.Bucket([]byte(pendingIndexBucket))
	if !create {
		return root.Bucket([]byte(recipient)), iroot.Bucket([]byte(recipient)), nil
	}
	b, err := root.CreateBucketIfNotExists([]byte(recipient))
	if err != nil {
		return nil, nil, err
	}
	idx, err := iroot.CreateBucketIfNotExists([]byte(recipient))
	if err != nil {
		return nil, nil, err
	}
	return b, idx, nil
}

func indexKey(messageID string, seq uint64) []byte {
	k := make([]byte, 0, len(messageID)+9)
	k = append(k, messageID...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint64(k, seq)
}
