package timer

import (
	"math"
	"time"
)

// SessionDeadline is the local instant a countdown reaches zero. A newer
// accepted event replaces it; deadlines are never merged.
type SessionDeadline struct {
	Event    Event
	Deadline time.Time
}

// NewSessionDeadline computes acceptedAt + duration. acceptedAt must come
// from a Clock so that it carries a monotonic reading.
func NewSessionDeadline(ev Event, acceptedAt time.Time) SessionDeadline {
	return SessionDeadline{
		Event:    ev,
		Deadline: acceptedAt.Add(ev.Duration()),
	}
}

// NewSessionDeadlineRemaining installs a deadline for an event that is
// already partly elapsed, as reported by a relay snapshot.
func NewSessionDeadlineRemaining(ev Event, now time.Time, remaining time.Duration) SessionDeadline {
	if remaining > ev.Duration() {
		remaining = ev.Duration()
	}
	return SessionDeadline{
		Event:    ev,
		Deadline: now.Add(remaining),
	}
}

// Remaining returns the time left at now, never negative.
func (d SessionDeadline) Remaining(now time.Time) time.Duration {
	return Remaining(d.Deadline, now)
}

// Expired reports whether the countdown has reached zero.
func (d SessionDeadline) Expired(now time.Time) bool {
	return d.Remaining(now) == 0
}

// Remaining computes max(0, deadline - now).
func Remaining(deadline, now time.Time) time.Duration {
	left := deadline.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// CeilSeconds rounds a remaining duration up to whole seconds for display.
func CeilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
