package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"whisper/internal/domain"
)

// PutOutboxItem assigns the next sequence number to item and stores it.
func (d *DB) PutOutboxItem(item domain.OutboxItem) (domain.OutboxItem, error) {
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(outboxBucket))
		idx := tx.Bucket([]byte(outboxIndexBucket))
		if idx.Get([]byte(item.LocalID)) != nil {
			return fmt.Errorf("outbox: duplicate local id %s", item.LocalID)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		item.Seq = seq
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), raw); err != nil {
			return err
		}
		return idx.Put([]byte(item.LocalID), seqKey(seq))
	})
	return item, err
}

// UpdateOutboxItem overwrites an existing item in place.
func (d *DB) UpdateOutboxItem(item domain.OutboxItem) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		k := tx.Bucket([]byte(outboxIndexBucket)).Get([]byte(item.LocalID))
		if k == nil {
			return domain.Errorf(domain.CodeNotFound, "outbox item %s", item.LocalID)
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(outboxBucket)).Put(k, raw)
	})
}

// DeleteOutboxItem removes an item. Deleting a missing item is a no-op.
func (d *DB) DeleteOutboxItem(localID string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(outboxIndexBucket))
		k := idx.Get([]byte(localID))
		if k == nil {
			return nil
		}
		if err := tx.Bucket([]byte(outboxBucket)).Delete(k); err != nil {
			return err
		}
		return idx.Delete([]byte(localID))
	})
}

// ListOutboxItems returns every item in enqueue order.
func (d *DB) ListOutboxItems() ([]domain.OutboxItem, error) {
	var out []domain.OutboxItem
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(outboxBucket)).ForEach(func(k, v []byte) error {
			var it domain.OutboxItem
			if err := json.Unmarshal(v, &it); err != nil {
				return fmt.Errorf("outbox item %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, it)
			return nil
		})
	})
	return out, err
}

var _ domain.OutboxStore = (*DB)(nil)
