// Package domain defines the core types, the protocol error taxonomy and the
// interfaces shared by whisper's client and relay.
//
// Types live in the types subpackage and interfaces in the interfaces
// subpackage; both are re-exported here through aliases so callers can
// import a single package.
package domain
