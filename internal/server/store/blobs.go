package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"whisper/internal/domain"
)

// Blobs keeps encrypted attachment bodies as files under a directory. Keys
// are validated by the HTTP layer; Blobs only refuses keys that would leave
// its root.
type Blobs struct {
	dir string
}

// NewBlobs returns a blob store rooted at dir, creating it if needed.
func NewBlobs(dir string) (*Blobs, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: blobs dir: %w", err)
	}
	return &Blobs{dir: dir}, nil
}

// Put streams r to key, refusing bodies over max bytes.
func (b *Blobs) Put(key string, r io.Reader, max int64) (int64, error) {
	path, err := b.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return 0, err
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	n, err := io.Copy(f, io.LimitReader(r, max+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if n > max {
		return 0, domain.Errorf(domain.CodeInvalidPayload, "blob exceeds %d bytes", max)
	}
	return n, os.Rename(tmp, path)
}

// Open returns a reader for key.
func (b *Blobs) Open(key string) (io.ReadCloser, error) {
	path, err := b.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.Errorf(domain.CodeNotFound, "object %s", key)
	}
	return f, err
}

func (b *Blobs) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", domain.Errorf(domain.CodeInvalidPayload, "bad object key")
	}
	return filepath.Join(b.dir, clean), nil
}
