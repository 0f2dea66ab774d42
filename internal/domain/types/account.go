package types

import "time"

// AccountProfile is the client's registration state on a specific relay.
type AccountProfile struct {
	ServerURL        string    `json:"server_url"`
	WhisperID        WhisperID `json:"whisper_id"`
	DeviceID         string    `json:"device_id"`
	SessionToken     string    `json:"session_token,omitempty"`
	SessionExpiresAt int64     `json:"session_expires_at,omitempty"`
}

// SessionValid reports whether the stored session token is still usable at now.
func (p AccountProfile) SessionValid(now time.Time) bool {
	return p.SessionToken != "" && now.UnixMilli() < p.SessionExpiresAt
}
