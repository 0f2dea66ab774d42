// Package httpapi serves the relay's REST surface: key lookup, attachment
// presigning with the relay's own blob store, the encrypted contacts backup
// and health checks.
package httpapi
