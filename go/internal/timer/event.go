package timer

import (
	"errors"
	"fmt"
	"time"
)

// MaxDurationSeconds bounds the countdown length a peer may request.
const MaxDurationSeconds = 3600

// ErrInvalidEvent is returned when an event fails validation
var ErrInvalidEvent = errors.New("invalid timer event")

// Event is the unit of synchronization: "start a countdown of DurationSeconds".
// Events are values and are never modified after creation.
type Event struct {
	OriginID        string
	Sequence        uint64
	DurationSeconds int
	IssuedAt        time.Time // sender wall clock, diagnostics only
}

// NewEvent creates a new timer event
func NewEvent(originID string, seq uint64, durationSeconds int, issuedAt time.Time) Event {
	return Event{
		OriginID:        originID,
		Sequence:        seq,
		DurationSeconds: durationSeconds,
		IssuedAt:        issuedAt,
	}
}

// Validate checks the fields every transport relies on.
func (e Event) Validate() error {
	if e.OriginID == "" {
		return fmt.Errorf("%w: missing origin id", ErrInvalidEvent)
	}
	if e.Sequence == 0 {
		return fmt.Errorf("%w: sequence must be positive", ErrInvalidEvent)
	}
	if e.DurationSeconds <= 0 || e.DurationSeconds > MaxDurationSeconds {
		return fmt.Errorf("%w: duration %ds out of range", ErrInvalidEvent, e.DurationSeconds)
	}
	return nil
}

// Duration returns the countdown length.
func (e Event) Duration() time.Duration {
	return time.Duration(e.DurationSeconds) * time.Second
}

func (e Event) String() string {
	return fmt.Sprintf("%s#%d(%ds)", e.OriginID, e.Sequence, e.DurationSeconds)
}
