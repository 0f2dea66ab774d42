package interfaces

import (
	"context"

	domaintypes "whisper/internal/domain/types"
)

// KeyDirectory resolves a peer's published public keys.
type KeyDirectory interface {
	PeerKeys(ctx context.Context, id domaintypes.WhisperID) (domaintypes.PublicKeys, error)
}
