// Package ledger provides the host ledger clock that timestamps every mutation.
//
// Ledger time is expressed in whole seconds since the Unix epoch so that retention
// horizons can be stored directly in DynamoDB TTL attributes.
package ledger

import (
	"sync"
	"time"
)

// Clock supplies ledger timestamps.
type Clock interface {
	Now() uint64
}

// SystemClock reads the wall clock and never goes backwards within a process.
type SystemClock struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

// NewSystemClock creates a clock backed by time.Now.
func NewSystemClock() *SystemClock {
	return &SystemClock{now: time.Now}
}

// Now returns the current ledger time. A wall clock rollback is absorbed by
// repeating the last observed value.
func (c *SystemClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().Unix()
	if t < 0 {
		t = 0
	}
	if uint64(t) > c.last {
		c.last = uint64(t)
	}
	return c.last
}

// ManualClock is a deterministic clock for tests and replays.
type ManualClock struct {
	mu  sync.Mutex
	now uint64
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start uint64) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the frozen time.
func (c *ManualClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d seconds and returns the new time.
func (c *ManualClock) Advance(d uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
	return c.now
}

// Set moves the clock to t. Tests use it to simulate a rollback.
func (c *ManualClock) Set(t uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
