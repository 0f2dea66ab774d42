package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"whisper/internal/domain"
)

// Backup is a user's encrypted contacts blob. The relay cannot read it.
type Backup struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// PutBackup replaces the user's backup.
func (d *DB) PutBackup(id domain.WhisperID, b Backup) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket([]byte(backupsBucket)), []byte(id), b)
	})
}

// Backup returns the user's backup.
func (d *DB) Backup(id domain.WhisperID) (Backup, bool, error) {
	var (
		b  Backup
		ok bool
	)
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(backupsBucket)).Get([]byte(id))
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &b)
	})
	return b, ok, err
}

// DeleteBackup removes the user's backup. Missing backups are not an error.
func (d *DB) DeleteBackup(id domain.WhisperID) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(backupsBucket)).Delete([]byte(id))
	})
}
