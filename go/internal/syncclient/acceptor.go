package syncclient

import (
	"github.com/mcdev12/captimer/go/internal/timer"
)

// Reason explains an acceptance decision.
type Reason int

const (
	ReasonAccepted Reason = iota
	ReasonOwnEcho
	ReasonStale
	ReasonInvalid
)

func (r Reason) String() string {
	switch r {
	case ReasonAccepted:
		return "accepted"
	case ReasonOwnEcho:
		return "own_echo"
	case ReasonStale:
		return "stale"
	case ReasonInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Acceptor applies the inbound acceptance policy. It keeps the highest
// accepted sequence per origin and is not safe for concurrent use; the
// client's run loop owns it.
type Acceptor struct {
	localID   string
	highWater map[string]uint64
}

// NewAcceptor creates an acceptor for the client identified by localID.
func NewAcceptor(localID string) *Acceptor {
	return &Acceptor{
		localID:   localID,
		highWater: make(map[string]uint64),
	}
}

// Accept reports whether ev should replace the active countdown and, if so,
// records its sequence as the new high-water mark for its origin.
func (a *Acceptor) Accept(ev timer.Event) (bool, Reason) {
	if err := ev.Validate(); err != nil {
		return false, ReasonInvalid
	}
	if ev.OriginID == a.localID {
		return false, ReasonOwnEcho
	}
	if ev.Sequence <= a.highWater[ev.OriginID] {
		return false, ReasonStale
	}

	a.highWater[ev.OriginID] = ev.Sequence
	return true, ReasonAccepted
}

// HighWater returns the last accepted sequence for origin, 0 if none.
func (a *Acceptor) HighWater(origin string) uint64 {
	return a.highWater[origin]
}
