// ABOUTME: Monotonic microsecond clock sampled once per cycle
// ABOUTME: Provides the free-running usecs value stamped on every published position
package transport

import "time"

// Clock supplies the monotonic microsecond time stamped on published positions
type Clock interface {
	Micros() uint64
}

// MonotonicClock counts microseconds since it was created
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock creates a clock starting at zero
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

// Micros returns microseconds elapsed since the clock was created
func (c *MonotonicClock) Micros() uint64 {
	return uint64(time.Since(c.start).Microseconds())
}
