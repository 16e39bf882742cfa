// Package hlc implements a hybrid logical clock combining a physical
// millisecond clock with a logical counter.
package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Timestamp is a hybrid logical clock reading. Timestamps are totally
// ordered by (Physical, Counter).
type Timestamp struct {
	Physical int64  // wall clock milliseconds since the Unix epoch
	Counter  uint32 // logical counter, breaks ties within a millisecond
}

// Compare returns -1, 0 or 1 if t is before, equal to or after o.
func (t Timestamp) Compare(o Timestamp) int {
	if t.Physical != o.Physical {
		if t.Physical < o.Physical {
			return -1
		}
		return 1
	}
	if t.Counter != o.Counter {
		if t.Counter < o.Counter {
			return -1
		}
		return 1
	}
	return 0
}

// Before returns true if t is ordered before o.
func (t Timestamp) Before(o Timestamp) bool {
	return t.Compare(o) < 0
}

// IsZero returns true if t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t.Physical == 0 && t.Counter == 0
}

// String returns the timestamp in "physical.counter" form.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d", t.Physical, t.Counter)
}

// ParseTimestamp parses the "physical.counter" form produced by String.
func ParseTimestamp(s string) (Timestamp, error) {
	var ts Timestamp
	if _, err := fmt.Sscanf(s, "%d.%d", &ts.Physical, &ts.Counter); err != nil {
		return Timestamp{}, fmt.Errorf("hlc: invalid timestamp %q", s)
	}
	return ts, nil
}

// Clock is a process-wide hybrid logical clock. Every operation returns a
// timestamp strictly greater than any previously returned one. Safe for
// concurrent use.
type Clock struct {
	mu   sync.Mutex
	last Timestamp
	now  func() int64
}

// NewClock creates a clock backed by the system wall clock.
func NewClock() *Clock {
	return &Clock{
		now: func() int64 { return time.Now().UnixMilli() },
	}
}

// NewClockAt creates a clock backed by the given millisecond source.
// Used by tests to drive the clock deterministically.
func NewClockAt(now func() int64) *Clock {
	return &Clock{now: now}
}

// Now records a local event and returns its timestamp.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick(c.now())
}

// Send records a message send event and returns its timestamp.
func (c *Clock) Send() Timestamp {
	return c.Now()
}

// Receive records the receipt of a message carrying the remote timestamp
// and returns a timestamp greater than both the local clock and remote.
func (c *Clock) Receive(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote.Compare(c.last) > 0 {
		c.last = remote
	}
	return c.tick(c.now())
}

// tick advances the clock past c.last using the physical reading.
// Caller holds c.mu.
func (c *Clock) tick(physical int64) Timestamp {
	if physical > c.last.Physical {
		c.last = Timestamp{Physical: physical}
	} else {
		c.last.Counter++
	}
	return c.last
}
