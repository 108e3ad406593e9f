package core

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// EventDeduper remembers recently seen event keys. Chat platforms retry
// event delivery and echo the bot's own posts, so the same message can
// arrive several times.
type EventDeduper struct {
	mu    sync.Mutex
	cache *lru.Cache[string, struct{}]
}

// NewEventDeduper creates a deduper remembering up to size keys
func NewEventDeduper(size int) (*EventDeduper, error) {
	if size <= 0 {
		size = 1000
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}
	return &EventDeduper{cache: cache}, nil
}

// FirstSeen records key and reports whether it was new. Empty keys are
// always treated as new.
func (d *EventDeduper) FirstSeen(key string) bool {
	if key == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache.Contains(key) {
		return false
	}
	d.cache.Add(key, struct{}{})
	return true
}

// Len returns the number of remembered keys
func (d *EventDeduper) Len() int {
	return d.cache.Len()
}
