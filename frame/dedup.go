package frame

import (
	"sync"
	"time"
)

const (
	dedupWindowSize = 2048
	dedupWindowTTL  = 10 * time.Minute
)

// dedupEntry tracks a seen frame msg id.
type dedupEntry struct {
	id   [16]byte
	seen time.Time
}

// DedupWindow is a sliding-window deduplicator over frame msg ids. The server
// replays recent frames after a reconnect, so the same delivery can arrive
// more than once; the window absorbs those before they reach subscribers.
// It remembers up to dedupWindowSize ids or dedupWindowTTL, whichever is
// reached first.
type DedupWindow struct {
	mu      sync.Mutex
	entries []dedupEntry
	index   map[[16]byte]struct{}
}

// NewDedupWindow creates a new dedup window.
func NewDedupWindow() *DedupWindow {
	return &DedupWindow{
		entries: make([]dedupEntry, 0, dedupWindowSize),
		index:   make(map[[16]byte]struct{}, dedupWindowSize),
	}
}

// Seen returns true if the msg id has already been observed. If not, it
// records the id.
func (d *DedupWindow) Seen(msgID [16]byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()

	// Evict expired entries from the front.
	cutoff := now.Add(-dedupWindowTTL)
	start := 0
	for start < len(d.entries) && d.entries[start].seen.Before(cutoff) {
		delete(d.index, d.entries[start].id)
		start++
	}
	if start > 0 {
		d.entries = d.entries[start:]
	}

	if _, ok := d.index[msgID]; ok {
		return true
	}

	// Evict oldest if at capacity.
	if len(d.entries) >= dedupWindowSize {
		delete(d.index, d.entries[0].id)
		d.entries = d.entries[1:]
	}

	d.entries = append(d.entries, dedupEntry{id: msgID, seen: now})
	d.index[msgID] = struct{}{}
	return false
}

// Len returns the current number of tracked ids.
func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
