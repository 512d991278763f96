package video

import "time"

// TimeProvider abstracts time operations for deterministic testing. All
// deadlines in this package compare against sampled values from it; no
// goroutines or OS timers are armed.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }
