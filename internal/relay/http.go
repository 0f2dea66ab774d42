package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"whisper/internal/domain"
	"whisper/internal/protocol/api"
)

// HTTP talks to the relay's REST surface. Token returns the current session
// token for authenticated routes.
type HTTP struct {
	Base  string
	HTTP  *http.Client
	Token func() string

	mu   sync.Mutex
	keys map[domain.WhisperID]domain.PublicKeys
}

func NewHTTP(base string, token func() string) *HTTP {
	return &HTTP{
		Base:  strings.TrimRight(base, "/"),
		HTTP:  http.DefaultClient,
		Token: token,
		keys:  make(map[domain.WhisperID]domain.PublicKeys),
	}
}

// PeerKeys returns id's public keys. Keys never change for a WhisperID, so
// successful lookups are cached for the life of the client.
func (c *HTTP) PeerKeys(ctx context.Context, id domain.WhisperID) (domain.PublicKeys, error) {
	c.mu.Lock()
	pk, ok := c.keys[id]
	c.mu.Unlock()
	if ok {
		return pk, nil
	}

	var out api.KeysResponse
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(string(id))+"/keys", nil, &out); err != nil {
		return domain.PublicKeys{}, err
	}
	if out.WhisperID != id || len(out.EncPublicKey) != 32 || len(out.SignPublicKey) != 32 {
		return domain.PublicKeys{}, domain.Errorf(domain.CodeInvalidPayload, "malformed key response for %s", id)
	}
	pk = domain.PublicKeys{WhisperID: out.WhisperID, EncPublicKey: out.EncPublicKey, SignPublicKey: out.SignPublicKey}

	c.mu.Lock()
	c.keys[id] = pk
	c.mu.Unlock()
	return pk, nil
}

func (c *HTTP) PresignUpload(ctx context.Context, contentType string, size int64) (api.Presigned, error) {
	if size <= 0 || size > api.MaxAttachmentBytes {
		return api.Presigned{}, domain.Errorf(domain.CodeInvalidPayload, "attachment size %d out of range", size)
	}
	var out api.Presigned
	err := c.do(ctx, http.MethodPost, "/attachments/presign/upload",
		api.PresignUploadRequest{ContentType: contentType, SizeBytes: size}, &out)
	return out, err
}

func (c *HTTP) PresignDownload(ctx context.Context, objectKey string) (api.Presigned, error) {
	var out api.Presigned
	err := c.do(ctx, http.MethodPost, "/attachments/presign/download",
		api.PresignDownloadRequest{ObjectKey: objectKey}, &out)
	return out, err
}

// Upload PUTs an already encrypted blob to a presigned URL.
func (c *HTTP) Upload(ctx context.Context, p api.Presigned, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.UploadURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusError(req, resp)
}

// Download fetches an encrypted blob from a presigned URL.
func (c *HTTP) Download(ctx context.Context, p api.Presigned) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.DownloadURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := statusError(req, resp); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(resp.Body, api.MaxAttachmentBytes+1))
}

func (c *HTTP) PutBackup(ctx context.Context, nonce, ciphertext []byte) (api.BackupResponse, error) {
	var out api.BackupResponse
	err := c.do(ctx, http.MethodPut, "/backup/contacts",
		api.BackupRequest{Nonce: nonce, Ciphertext: ciphertext}, &out)
	return out, err
}

func (c *HTTP) GetBackup(ctx context.Context) (api.BackupResponse, error) {
	var out api.BackupResponse
	err := c.do(ctx, http.MethodGet, "/backup/contacts", nil, &out)
	return out, err
}

func (c *HTTP) DeleteBackup(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/backup/contacts", nil, nil)
}

func (c *HTTP) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

func (c *HTTP) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != nil {
		if tok := c.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusError(req, resp); err != nil {
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// statusError maps a non-2xx response to a coded error when the body carries
// one, and to a plain error otherwise.
func statusError(req *http.Request, resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	var e api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e); err == nil && e.Code != "" {
		return &domain.Error{Code: e.Code, Message: e.Message}
	}
	return fmt.Errorf("relay %s %s: %s", req.Method, req.URL.Path, resp.Status)
}

var _ domain.KeyDirectory = (*HTTP)(nil)
