package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	schemaVersion  = 1

	usersBucket        = "users"
	pendingBucket      = "pending"
	pendingIndexBucket = "pending_index"
	backupsBucket      = "backups"
)

// DB is the relay database.
type DB struct {
	db *bolt.DB
}

// OpenDB creates or loads the relay database at path.
func OpenDB(path string) (*DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, n := range []string{usersBucket, pendingBucket, pendingIndexBucket, backupsBucket} {
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
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

// Check reports whether the database still answers reads.
func (d *DB) Check() error {
	return d.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(metadataBucket)) == nil {
			return fmt.Errorf("store: metadata bucket missing")
		}
		return nil
	})
}
