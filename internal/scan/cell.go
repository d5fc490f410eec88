package scan

import (
	"slices"
	"sync"
	"time"
)

// Cell holds the most recently completed Scan. One goroutine stores whole
// scans; any number of goroutines may Load a copy concurrently. A Load never
// observes a partially written scan.
type Cell struct {
	mu        sync.RWMutex
	latest    Scan
	version   uint64
	updatedAt time.Time
}

// Store replaces the cell contents. The cell takes ownership of s; the caller
// must not modify it afterwards.
func (c *Cell) Store(s Scan, at time.Time) {
	c.mu.Lock()
	c.latest = s
	c.version++
	c.updatedAt = at
	c.mu.Unlock()
}

// Load returns a copy of the latest scan, or nil before the first Store.
func (c *Cell) Load() Scan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.latest)
}

// Version returns the number of scans stored so far.
func (c *Cell) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// UpdatedAt returns when the latest scan was stored; zero before the first.
func (c *Cell) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}
