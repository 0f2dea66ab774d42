package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"whisper/internal/domain"
)

var objectKeyPattern = regexp.MustCompile(`^attachments/[A-Za-z0-9-]+/[A-Za-z0-9-]+$`)

// ValidObjectKey reports whether key names an attachment blob.
func ValidObjectKey(key string) bool {
	return objectKeyPattern.MatchString(key) && !strings.Contains(key, "..")
}

// objectKey builds the key of a new upload by owner.
func objectKey(owner domain.WhisperID, id string) string {
	return "attachments/" + string(owner) + "/" + id
}

func urlSignature(secret []byte, method, key string, exp int64) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(method))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(key))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(exp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// presignURL returns the blob URL for method on key, valid until exp.
func (a *API) presignURL(method, key string, exp time.Time) string {
	ms := exp.UnixMilli()
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(ms, 10))
	q.Set("sig", urlSignature(a.cfg.URLSecret, method, key, ms))
	return a.cfg.PublicURL + "/blobs/" + key + "?" + q.Encode()
}

// checkURL verifies the exp and sig query parameters of a blob request.
func (a *API) checkURL(method, key string, q url.Values) error {
	exp, err := strconv.ParseInt(q.Get("exp"), 10, 64)
	if err != nil {
		return domain.Errorf(domain.CodeAuthFailed, "missing expiry")
	}
	want := urlSignature(a.cfg.URLSecret, method, key, exp)
	if !hmac.Equal([]byte(want), []byte(q.Get("sig"))) {
		return domain.Errorf(domain.CodeAuthFailed, "bad url signature")
	}
	if a.now().UnixMilli() > exp {
		return domain.Errorf(domain.CodeAuthFailed, "url expired")
	}
	return nil
}
