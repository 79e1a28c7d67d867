package frame

import (
	"bytes"
	"crypto/rand"
	"sync"
	"time"
)

// ULIDGen generates monotonic ULIDs (16 bytes each) used as frame msg ids.
// Thread-safe via mutex. Entropy from crypto/rand.
type ULIDGen struct {
	mu   sync.Mutex
	last [16]byte
}

// NewULIDGen creates a new ULID generator.
func NewULIDGen() *ULIDGen {
	return &ULIDGen{}
}

// Next returns a new monotonic ULID as a 16-byte array.
//
// Layout:
//
//	[0-5]   48-bit Unix millisecond timestamp (big-endian)
//	[6-15]  80-bit random, monotonically incrementing within same ms
func (g *ULIDGen) Next() [16]byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := uint64(time.Now().UnixMilli())

	var id [16]byte
	id[0] = byte(now >> 40)
	id[1] = byte(now >> 32)
	id[2] = byte(now >> 24)
	id[3] = byte(now >> 16)
	id[4] = byte(now >> 8)
	id[5] = byte(now)

	if bytes.Equal(id[:6], g.last[:6]) {
		// Same millisecond: carry the previous random part and increment it
		// so ids stay sortable within the ms.
		copy(id[6:], g.last[6:])
		for i := 15; i >= 6; i-- {
			id[i]++
			if id[i] != 0 {
				break
			}
		}
	} else {
		rand.Read(id[6:])
	}

	g.last = id
	return id
}

// Timestamp extracts the millisecond timestamp from a ULID.
func Timestamp(id [16]byte) time.Time {
	ms := uint64(id[0])<<40 | uint64(id[1])<<32 | uint64(id[2])<<24 |
		uint64(id[3])<<16 | uint64(id[4])<<8 | uint64(id[5])
	return time.UnixMilli(int64(ms))
}
