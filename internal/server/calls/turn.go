package calls

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"whisper/internal/domain"
)

// TurnCredential is the coturn use-auth-secret password for username.
func TurnCredential(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// TurnCredentials issues short-lived TURN credentials for id.
func (s *Service) TurnCredentials(id domain.WhisperID) (domain.TurnCredentials, error) {
	if s.cfg.TurnSecret == "" || len(s.cfg.TurnURLs) == 0 {
		return domain.TurnCredentials{}, domain.Errorf(domain.CodeInternal, "turn not configured")
	}
	username := fmt.Sprintf("%d:%s", s.now().Add(s.cfg.TurnTTL).Unix(), id)
	s.metrics.TurnIssued.Inc()
	return domain.TurnCredentials{
		URLs:       append([]string(nil), s.cfg.TurnURLs...),
		Username:   username,
		Credential: TurnCredential(s.cfg.TurnSecret, username),
		TTL:        int(s.cfg.TurnTTL / time.Second),
	}, nil
}
