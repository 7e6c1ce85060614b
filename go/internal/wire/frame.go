// Package wire defines the relay's JSON frames and the LAN datagram encodings.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/captimer/go/internal/timer"
)

// ErrMalformed is returned for payloads that cannot be decoded
var ErrMalformed = errors.New("malformed payload")

// Command identifies a relay control frame
type Command string

const (
	CmdAuthRequired Command = "auth_required"
	CmdConnected    Command = "connected"
	CmdAuthFailed   Command = "auth_failed"
	CmdSnapshot     Command = "snapshot"
)

// Kind classifies a decoded frame
type Kind int

const (
	KindUnknown Kind = iota
	KindEvent
	KindCredential
	KindControl
	KindSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindCredential:
		return "credential"
	case KindControl:
		return "control"
	case KindSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Frame is the union of every JSON object exchanged with the relay.
type Frame struct {
	Cmd        Command `json:"cmd,omitempty"`
	Credential *string `json:"credential,omitempty"`

	OriginID        string  `json:"origin_id,omitempty"`
	Sequence        uint64  `json:"sequence,omitempty"`
	DurationSeconds int     `json:"duration_seconds,omitempty"`
	IssuedAt        float64 `json:"issued_at,omitempty"` // epoch milliseconds

	RemainingMS int64 `json:"remaining_ms,omitempty"`
	Clients     *int  `json:"clients,omitempty"`
}

// Kind reports what the frame carries.
func (f Frame) Kind() Kind {
	switch {
	case f.Cmd == CmdSnapshot:
		return KindSnapshot
	case f.Cmd != "":
		return KindControl
	case f.Credential != nil:
		return KindCredential
	case f.OriginID != "" || f.Sequence != 0 || f.DurationSeconds != 0:
		return KindEvent
	default:
		return KindUnknown
	}
}

// Event converts the event fields of the frame and validates them.
func (f Frame) Event() (timer.Event, error) {
	ev := timer.NewEvent(f.OriginID, f.Sequence, f.DurationSeconds, fromMillis(int64(f.IssuedAt)))
	if err := ev.Validate(); err != nil {
		return timer.Event{}, err
	}
	return ev, nil
}

// Remaining returns the snapshot's remaining countdown.
func (f Frame) Remaining() time.Duration {
	return time.Duration(f.RemainingMS) * time.Millisecond
}

// DecodeFrame parses one relay text frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return f, nil
}

// EncodeEvent marshals an event frame.
func EncodeEvent(ev timer.Event) ([]byte, error) {
	return json.Marshal(eventFrame(ev))
}

// EncodeSnapshot marshals the late-join snapshot of a running countdown.
func EncodeSnapshot(ev timer.Event, remaining time.Duration) ([]byte, error) {
	f := eventFrame(ev)
	f.Cmd = CmdSnapshot
	f.RemainingMS = remaining.Milliseconds()
	return json.Marshal(f)
}

// EncodeCredential marshals the first-message credential.
func EncodeCredential(credential string) ([]byte, error) {
	return json.Marshal(Frame{Credential: &credential})
}

// EncodeControl marshals a server control frame. clients < 0 omits the count.
func EncodeControl(cmd Command, clients int) ([]byte, error) {
	f := Frame{Cmd: cmd}
	if clients >= 0 {
		f.Clients = &clients
	}
	return json.Marshal(f)
}

func eventFrame(ev timer.Event) Frame {
	return Frame{
		OriginID:        ev.OriginID,
		Sequence:        ev.Sequence,
		DurationSeconds: ev.DurationSeconds,
		IssuedAt:        float64(toMillis(ev.IssuedAt)),
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
