// Package memzero clears secret material from memory.
package memzero

import (
	"crypto/subtle"
	"runtime"
)

// Zero overwrites b with zeros in a constant-time friendly way.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
	runtime.KeepAlive(b)
}

// ZeroArray32 clears a fixed 32 byte key in place.
func ZeroArray32(k *[32]byte) {
	Zero(k[:])
}
