// Package dedup suppresses replayed messageIds with a bounded LRU cache.
//
// The cache only short-circuits work. Eviction can let an old id through
// again, so callers keep a durable check against persisted state behind it
// and only call MarkProcessed once a message has been fully applied.
package dedup

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize bounds the number of remembered (scope, messageId) pairs.
const DefaultSize = 10000

type key struct {
	scope     string
	messageID string
}

// Deduper answers IsDuplicate in O(1).
type Deduper struct {
	cache *lru.Cache[key, struct{}]
}

// New returns a Deduper remembering at most size entries.
func New(size int) (*Deduper, error) {
	if size <= 0 {
		size = DefaultSize
	}
	c, err := lru.New[key, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Deduper{cache: c}, nil
}

// IsDuplicate reports whether messageID was already marked for scope.
func (d *Deduper) IsDuplicate(messageID, scope string) bool {
	return d.cache.Contains(key{scope: scope, messageID: messageID})
}

// MarkProcessed records messageID for scope.
func (d *Deduper) MarkProcessed(messageID, scope string) {
	d.cache.Add(key{scope: scope, messageID: messageID}, struct{}{})
}

// Len returns the number of remembered entries.
func (d *Deduper) Len() int { return d.cache.Len() }
