package timer

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the interface we use for time operations.
// In production, use NewRealClock(). In tests, a clockwork.FakeClock.
//
// Times returned by the real clock carry Go's monotonic reading, so
// deadline arithmetic is immune to wall-clock adjustments.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) clockwork.Ticker
}

// NewRealClock returns the process clock.
func NewRealClock() Clock {
	return clockwork.NewRealClock()
}
