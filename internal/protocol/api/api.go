// Package api holds the JSON bodies of the relay's REST surface, shared by
// the server handlers and the client.
package api

import "whisper/internal/domain"

// Limits enforced by the relay and checked early by the client.
const (
	MaxAttachmentBytes = 100 << 20
	MaxBackupBytes     = 256 << 10
)

// AllowedContentTypes is the attachment content type allow-list.
var AllowedContentTypes = map[string]bool{
	"image/jpeg":               true,
	"image/png":                true,
	"image/gif":                true,
	"image/webp":               true,
	"image/heic":               true,
	"video/mp4":                true,
	"video/quicktime":          true,
	"audio/mpeg":               true,
	"audio/aac":                true,
	"audio/ogg":                true,
	"audio/mp4":                true,
	"application/pdf":          true,
	"application/zip":          true,
	"application/octet-stream": true,
	"text/plain":               true,
}

type KeysResponse struct {
	WhisperID     domain.WhisperID `json:"whisperId"`
	EncPublicKey  []byte           `json:"encPublicKey"`
	SignPublicKey []byte           `json:"signPublicKey"`
}

type PresignUploadRequest struct {
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

type PresignDownloadRequest struct {
	ObjectKey string `json:"objectKey"`
}

// Presigned is returned for both directions; exactly one of UploadURL and
// DownloadURL is set.
type Presigned struct {
	ObjectKey   string            `json:"objectKey"`
	UploadURL   string            `json:"uploadUrl,omitempty"`
	DownloadURL string            `json:"downloadUrl,omitempty"`
	ExpiresAtMs int64             `json:"expiresAtMs"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type BackupRequest struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

type BackupResponse struct {
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	SizeBytes  int    `json:"sizeBytes"`
	UpdatedAt  int64  `json:"updatedAt"`
}

type ErrorResponse struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

type HealthResponse struct {
	Status     string `json:"status"`
	ServerTime int64  `json:"serverTime"`
}
