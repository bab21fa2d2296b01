// Package lastvalue holds the single most recent telemetry record.
// There is no history: every Set overwrites the slot.
package lastvalue

import (
	"sync"
	"time"

	"github.com/jroedel/sensorrelay/foundation/frame"
)

// Entry is a copy of the slot at one point in time.
type Entry struct {
	Record    frame.Record
	Seq       uint64
	UpdatedAt time.Time
}

// Cache is safe for concurrent use. The zero value is an empty cache.
type Cache struct {
	mu        sync.RWMutex
	rec       frame.Record
	seq       uint64
	updatedAt time.Time
}

// Set replaces the cached record and returns its sequence number. Sequence
// numbers start at 1 and only grow, so 0 always means "nothing yet".
func (c *Cache) Set(rec frame.Record) uint64 {
	cp := rec.Clone()
	if cp == nil {
		cp = frame.Record{}
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.rec = cp
	c.updatedAt = now
	return c.seq
}

// Get returns a copy of the cached record, or false when nothing was seen yet.
func (c *Cache) Get() (frame.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.seq == 0 {
		return nil, false
	}
	return c.rec.Clone(), true
}

func (c *Cache) Snapshot() (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.seq == 0 {
		return Entry{}, false
	}
	return Entry{Record: c.rec.Clone(), Seq: c.seq, UpdatedAt: c.updatedAt}, true
}

func (c *Cache) Seq() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seq
}
