// Package clock provides the time source shared by every node subsystem.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current instant in UTC.
type Clock interface {
	Now() time.Time
}

// LiveClock reads the wall clock.
type LiveClock struct{}

// NewLive returns a wall-clock backed Clock.
func NewLive() *LiveClock { return &LiveClock{} }

func (c *LiveClock) Now() time.Time { return time.Now().UTC() }

// TestClock is a settable clock for deterministic tests. It starts at the
// Unix epoch.
type TestClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewTest returns a TestClock positioned at the Unix epoch.
func NewTest() *TestClock {
	return &TestClock{current: time.Unix(0, 0).UTC()}
}

func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SetTime moves the clock to the given instant.
func (c *TestClock) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t.UTC()
}

// Advance moves the clock forward by d.
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}
