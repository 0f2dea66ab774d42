package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"whisper/internal/domain"
)

// User is a registered account. Keys never change after creation.
type User struct {
	WhisperID     domain.WhisperID `json:"whisperId"`
	EncPublicKey  []byte           `json:"encPublicKey"`
	SignPublicKey []byte           `json:"signPublicKey"`
	DeviceID      string           `json:"deviceId"`
	Platform      string           `json:"platform"`
	PushToken     string           `json:"pushToken,omitempty"`
	CreatedAt     int64            `json:"createdAt"`
}

// PublicKeys returns the published half of u.
func (u User) PublicKeys() domain.PublicKeys {
	return domain.PublicKeys{WhisperID: u.WhisperID, EncPublicKey: u.EncPublicKey, SignPublicKey: u.SignPublicKey}
}

// CreateUser stores a new user. It fails with FORBIDDEN if the WhisperID
// is taken.
func (d *DB) CreateUser(u User) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(usersBucket))
		if b.Get([]byte(u.WhisperID)) != nil {
			return domain.Errorf(domain.CodeForbidden, "whisperId %s taken", u.WhisperID)
		}
		return putJSON(b, []byte(u.WhisperID), u)
	})
}

// UpdateDevice records the device, platform and push token of the latest
// login of an existing user.
func (d *DB) UpdateDevice(id domain.WhisperID, deviceID, platform, pushToken string) error {
	return d.updateUser(id, func(u *User) {
		u.DeviceID = deviceID
		u.Platform = platform
		if pushToken != "" {
			u.PushToken = pushToken
		}
	})
}

// SetPushToken replaces the user's push token.
func (d *DB) SetPushToken(id domain.WhisperID, token string) error {
	return d.updateUser(id, func(u *User) { u.PushToken = token })
}

func (d *DB) updateUser(id domain.WhisperID, fn func(*User)) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(usersBucket))
		raw := b.Get([]byte(id))
		if raw == nil {
			return domain.Errorf(domain.CodeNotFound, "user %s", id)
		}
		var u User
		if err := json.Unmarshal(raw, &u); err != nil {
			return err
		}
		fn(&u)
		return putJSON(b, []byte(id), u)
	})
}

// User looks up a user.
func (d *DB) User(id domain.WhisperID) (User, bool, error) {
	var (
		u  User
		ok bool
	)
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(usersBucket)).Get([]byte(id))
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &u)
	})
	return u, ok, err
}
