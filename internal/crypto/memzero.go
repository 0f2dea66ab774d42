package crypto

import "whisper/internal/util/memzero"

// Wipe zeroes the provided buffer. Best effort only: copies made by the
// runtime or by callers are not reached.
func Wipe(b []byte) { memzero.Zero(b) }
