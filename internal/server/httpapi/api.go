package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"whisper/internal/domain"
	"whisper/internal/metrics"
	"whisper/internal/protocol/api"
	"whisper/internal/server/auth"
	"whisper/internal/server/store"
)

// DefaultURLTTL is how long presigned blob URLs stay valid.
const DefaultURLTTL = 15 * time.Minute

type Config struct {
	// PublicURL is the externally reachable base of this listener, used
	// in presigned URLs.
	PublicURL string
	URLSecret []byte
	URLTTL    time.Duration
}

// Authenticator resolves bearer tokens.
type Authenticator interface {
	Authenticate(token string) (auth.Session, error)
}

// Backups stores one encrypted contacts backup per user.
type Backups interface {
	PutBackup(id domain.WhisperID, b store.Backup) error
	Backup(id domain.WhisperID) (store.Backup, bool, error)
	DeleteBackup(id domain.WhisperID) error
}

type API struct {
	cfg     Config
	auth    Authenticator
	keys    domain.KeyDirectory
	backups Backups
	blobs   *store.Blobs
	ready   func() error
	metrics *metrics.Relay
	log     *logging.Logger
	now     func() time.Time
}

func New(
	cfg Config,
	a Authenticator,
	keys domain.KeyDirectory,
	backups Backups,
	blobs *store.Blobs,
	m *metrics.Relay,
	log *logging.Logger,
) *API {
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = DefaultURLTTL
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &API{
		cfg:     cfg,
		auth:    a,
		keys:    keys,
		backups: backups,
		blobs:   blobs,
		ready:   func() error { return nil },
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// SetReady installs the readiness check behind /ready.
func (a *API) SetReady(fn func() error) { a.ready = fn }

// SetClock replaces time.Now.
func (a *API) SetClock(now func() time.Time) { a.now = now }

// Routes registers the REST handlers on mux.
func (a *API) Routes(mux *http.ServeMux) {
	a.handle(mux, "GET /health", "health", a.health)
	a.handle(mux, "GET /ready", "ready", a.readiness)
	a.handle(mux, "GET /users/{whisperId}/keys", "keys", a.authed(a.userKeys))
	a.handle(mux, "POST /attachments/presign/upload", "presign_upload", a.authed(a.presignUpload))
	a.handle(mux, "POST /attachments/presign/download", "presign_download", a.authed(a.presignDownload))
	a.handle(mux, "PUT /blobs/{key...}", "blob_put", a.putBlob)
	a.handle(mux, "GET /blobs/{key...}", "blob_get", a.getBlob)
	a.handle(mux, "PUT /backup/contacts", "backup_put", a.authed(a.putBackup))
	a.handle(mux, "GET /backup/contacts", "backup_get", a.authed(a.getBackup))
	a.handle(mux, "DELETE /backup/contacts", "backup_delete", a.authed(a.deleteBackup))
}

// Handler returns a mux serving only the REST routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.Routes(mux)
	return mux
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

type authedFunc func(w http.ResponseWriter, r *http.Request, sess auth.Session) error

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (a *API) handle(mux *http.ServeMux, pattern, route string, h handlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		if err := h(sw, r); err != nil {
			a.writeError(sw, route, err)
		}
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		a.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(sw.status/100)+"xx").Inc()
	})
}

func (a *API) authed(h authedFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			return domain.Errorf(domain.CodeAuthFailed, "missing bearer token")
		}
		sess, err := a.auth.Authenticate(tok)
		if err != nil {
			return err
		}
		return h(w, r, sess)
	}
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", ServerTime: a.now().UnixMilli()})
}

func (a *API) readiness(w http.ResponseWriter, _ *http.Request) error {
	if err := a.ready(); err != nil {
		a.log.Warningf("not ready: %v", err)
		return writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: "unavailable", ServerTime: a.now().UnixMilli()})
	}
	return writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ready", ServerTime: a.now().UnixMilli()})
}

func (a *API) userKeys(w http.ResponseWriter, r *http.Request, _ auth.Session) error {
	id := domain.WhisperID(r.PathValue("whisperId"))
	if !id.Valid() {
		return domain.Errorf(domain.CodeInvalidPayload, "malformed whisperId")
	}
	pk, err := a.keys.PeerKeys(r.Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, api.KeysResponse{
		WhisperID:     pk.WhisperID,
		EncPublicKey:  pk.EncPublicKey,
		SignPublicKey: pk.SignPublicKey,
	})
}

func (a *API) presignUpload(w http.ResponseWriter, r *http.Request, sess auth.Session) error {
	var req api.PresignUploadRequest
	if err := readJSON(w, r, 4096, &req); err != nil {
		return err
	}
	if !api.AllowedContentTypes[req.ContentType] {
		return domain.Errorf(domain.CodeInvalidPayload, "content type %q not allowed", req.ContentType)
	}
	if req.SizeBytes <= 0 || req.SizeBytes > api.MaxAttachmentBytes {
		return domain.Errorf(domain.CodeInvalidPayload, "size %d out of range", req.SizeBytes)
	}
	key := objectKey(sess.WhisperID, uuid.NewString())
	exp := a.now().Add(a.cfg.URLTTL)
	return writeJSON(w, http.StatusOK, api.Presigned{
		ObjectKey:   key,
		UploadURL:   a.presignURL(http.MethodPut, key, exp),
		ExpiresAtMs: exp.UnixMilli(),
		Headers:     map[string]string{"Content-Type": req.ContentType},
	})
}

func (a *API) presignDownload(w http.ResponseWriter, r *http.Request, _ auth.Session) error {
	var req api.PresignDownloadRequest
	if err := readJSON(w, r, 4096, &req); err != nil {
		return err
	}
	if !ValidObjectKey(req.ObjectKey) {
		return domain.Errorf(domain.CodeInvalidPayload, "malformed object key")
	}
	exp := a.now().Add(a.cfg.URLTTL)
	return writeJSON(w, http.StatusOK, api.Presigned{
		ObjectKey:   req.ObjectKey,
		DownloadURL: a.presignURL(http.MethodGet, req.ObjectKey, exp),
		ExpiresAtMs: exp.UnixMilli(),
	})
}

func (a *API) putBlob(w http.ResponseWriter, r *http.Request) error {
	key := r.PathValue("key")
	if !ValidObjectKey(key) {
		return domain.Errorf(domain.CodeInvalidPayload, "malformed object key")
	}
	if err := a.checkURL(http.MethodPut, key, r.URL.Query()); err != nil {
		return err
	}
	n, err := a.blobs.Put(key, r.Body, api.MaxAttachmentBytes)
	if err != nil {
		return err
	}
	a.metrics.AttachmentsSeen.Inc()
	a.log.Debugf("stored blob %s (%d bytes)", key, n)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *API) getBlob(w http.ResponseWriter, r *http.Request) error {
	key := r.PathValue("key")
	if !ValidObjectKey(key) {
		return domain.Errorf(domain.CodeInvalidPayload, "malformed object key")
	}
	if err := a.checkURL(http.MethodGet, key, r.URL.Query()); err != nil {
		return err
	}
	f, err := a.blobs.Open(key)
	if err != nil {
		return err
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, err = io.Copy(w, f)
	if err != nil {
		a.log.Debugf("send blob %s: %v", key, err)
	}
	return nil
}

func (a *API) putBackup(w http.ResponseWriter, r *http.Request, sess auth.Session) error {
	var req api.BackupRequest
	// base64 inflates the ciphertext by a third; leave room for the JSON.
	if err := readJSON(w, r, api.MaxBackupBytes*4/3+1024, &req); err != nil {
		return err
	}
	if len(req.Nonce) != 24 || len(req.Ciphertext) == 0 {
		return domain.Errorf(domain.CodeInvalidPayload, "malformed backup")
	}
	if len(req.Ciphertext) > api.MaxBackupBytes {
		return domain.Errorf(domain.CodeInvalidPayload, "backup too large")
	}
	b := store.Backup{Nonce: req.Nonce, Ciphertext: req.Ciphertext, UpdatedAt: a.now().UnixMilli()}
	if err := a.backups.PutBackup(sess.WhisperID, b); err != nil {
		return domain.Wrap(domain.CodeInternal, err)
	}
	a.metrics.BackupsStored.Inc()
	return writeJSON(w, http.StatusOK, api.BackupResponse{SizeBytes: len(b.Ciphertext), UpdatedAt: b.UpdatedAt})
}

func (a *API) getBackup(w http.ResponseWriter, _ *http.Request, sess auth.Session) error {
	b, ok, err := a.backups.Backup(sess.WhisperID)
	if err != nil {
		return domain.Wrap(domain.CodeInternal, err)
	}
	if !ok {
		return domain.Errorf(domain.CodeNotFound, "no backup")
	}
	return writeJSON(w, http.StatusOK, api.BackupResponse{
		Nonce:      b.Nonce,
		Ciphertext: b.Ciphertext,
		SizeBytes:  len(b.Ciphertext),
		UpdatedAt:  b.UpdatedAt,
	})
}

func (a *API) deleteBackup(w http.ResponseWriter, _ *http.Request, sess auth.Session) error {
	if err := a.backups.DeleteBackup(sess.WhisperID); err != nil {
		return domain.Wrap(domain.CodeInternal, err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func readJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return domain.Errorf(domain.CodeInvalidPayload, "request body too large")
		}
		return domain.Errorf(domain.CodeInvalidPayload, "malformed request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w *statusWriter, route string, err error) {
	if w.status != 0 {
		// Headers already went out; nothing useful left to send.
		a.log.Debugf("%s: %v", route, err)
		return
	}
	code := domain.CodeOf(err)
	if code == domain.CodeInternal {
		a.log.Errorf("%s: %v", route, err)
	}
	_ = writeJSON(w, httpStatus(code), api.ErrorResponse{Code: code, Message: domain.PublicMessage(err)})
}

func httpStatus(code domain.ErrorCode) int {
	switch code {
	case domain.CodeAuthFailed:
		return http.StatusUnauthorized
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeInternal:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}
