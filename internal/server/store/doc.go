// Package store holds the relay's state: registered users, the offline
// queue, contact backups and attachment blobs on disk (bbolt plus a blob
// directory), and the in-memory call table with per-call compare-and-swap.
package store
