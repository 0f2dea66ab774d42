package store

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	schemaVersion  = 1

	outboxBucket      = "outbox"
	outboxIndexBucket = "outbox_index"
	messagesBucket    = "messages"
	countersBucket    = "counters"
)

// DB is the client's bbolt database holding the outbox, decrypted messages
// and conversation counters.
type DB struct {
	db *bolt.DB
}

// OpenDB creates or loads the client database at path.
func OpenDB(path string) (*DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := ensureBuckets(db, outboxBucket, outboxIndexBucket, messagesBucket, countersBucket); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close flushes and closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func ensureBuckets(db *bolt.DB, names ...string) error {
	return db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, n := range names {
			if _, err := tx.CreateBucketIfNotExists([]byte(n)); err != nil {
				return err
			}
		}
		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != schemaVersion {
				return fmt.Errorf("store: incompatible schema version %v", b)
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{schemaVersion})
	})
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
