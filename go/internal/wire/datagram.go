package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mcdev12/captimer/go/internal/timer"
)

// MaxDatagramSize is the largest LAN datagram sent or accepted.
const MaxDatagramSize = 512

const (
	datagramMagic   byte = 0xC7
	datagramVersion byte = 0x01
	headerLen            = 3
)

// Format selects the LAN datagram body encoding
type Format byte

const (
	FormatCompact Format = 0x01 // protobuf wire encoding
	FormatMsgpack Format = 0x02
	FormatJSON    Format = 0x03
)

func (f Format) String() string {
	switch f {
	case FormatCompact:
		return "compact"
	case FormatMsgpack:
		return "msgpack"
	case FormatJSON:
		return "json"
	default:
		return fmt.Sprintf("format(0x%02x)", byte(f))
	}
}

// ParseFormat maps a configuration name to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "compact", "proto", "protowire":
		return FormatCompact, nil
	case "msgpack":
		return FormatMsgpack, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unknown datagram format %q", name)
	}
}

const (
	fieldOrigin   protowire.Number = 1
	fieldSequence protowire.Number = 2
	fieldDuration protowire.Number = 3
	fieldIssuedAt protowire.Number = 4
)

type msgpackBody struct {
	OriginID        string `msgpack:"o"`
	Sequence        uint64 `msgpack:"s"`
	DurationSeconds int    `msgpack:"d"`
	IssuedAt        int64  `msgpack:"t"`
}

// MarshalDatagram encodes an event into a single LAN datagram.
func MarshalDatagram(ev timer.Event, format Format) ([]byte, error) {
	buf := []byte{datagramMagic, datagramVersion, byte(format)}

	switch format {
	case FormatCompact:
		buf = protowire.AppendTag(buf, fieldOrigin, protowire.BytesType)
		buf = protowire.AppendString(buf, ev.OriginID)
		buf = protowire.AppendTag(buf, fieldSequence, protowire.VarintType)
		buf = protowire.AppendVarint(buf, ev.Sequence)
		buf = protowire.AppendTag(buf, fieldDuration, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(ev.DurationSeconds))
		buf = protowire.AppendTag(buf, fieldIssuedAt, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(toMillis(ev.IssuedAt)))

	case FormatMsgpack:
		body, err := msgpack.Marshal(&msgpackBody{
			OriginID:        ev.OriginID,
			Sequence:        ev.Sequence,
			DurationSeconds: ev.DurationSeconds,
			IssuedAt:        toMillis(ev.IssuedAt),
		})
		if err != nil {
			return nil, fmt.Errorf("msgpack encode: %w", err)
		}
		buf = append(buf, body...)

	case FormatJSON:
		body, err := EncodeEvent(ev)
		if err != nil {
			return nil, fmt.Errorf("json encode: %w", err)
		}
		buf = append(buf, body...)

	default:
		return nil, fmt.Errorf("unsupported datagram format %s", format)
	}

	if len(buf) > MaxDatagramSize {
		return nil, fmt.Errorf("datagram too large: %d bytes", len(buf))
	}
	return buf, nil
}

// UnmarshalDatagram decodes and validates a LAN datagram. A datagram that
// starts with '{' is read as a bare JSON event frame.
func UnmarshalDatagram(data []byte) (timer.Event, error) {
	if len(data) == 0 || len(data) > MaxDatagramSize {
		return timer.Event{}, fmt.Errorf("%w: datagram size %d", ErrMalformed, len(data))
	}

	var (
		ev  timer.Event
		err error
	)
	if data[0] == '{' {
		ev, err = decodeJSONBody(data)
	} else {
		ev, err = decodeFramed(data)
	}
	if err != nil {
		return timer.Event{}, err
	}

	if err := ev.Validate(); err != nil {
		return timer.Event{}, err
	}
	return ev, nil
}

func decodeFramed(data []byte) (timer.Event, error) {
	if len(data) < headerLen || data[0] != datagramMagic {
		return timer.Event{}, fmt.Errorf("%w: bad datagram header", ErrMalformed)
	}
	if data[1] != datagramVersion {
		return timer.Event{}, fmt.Errorf("%w: unsupported datagram version %d", ErrMalformed, data[1])
	}

	body := data[headerLen:]
	switch Format(data[2]) {
	case FormatCompact:
		return decodeCompact(body)
	case FormatMsgpack:
		var m msgpackBody
		if err := msgpack.Unmarshal(body, &m); err != nil {
			return timer.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return timer.NewEvent(m.OriginID, m.Sequence, m.DurationSeconds, fromMillis(m.IssuedAt)), nil
	case FormatJSON:
		return decodeJSONBody(body)
	default:
		return timer.Event{}, fmt.Errorf("%w: unknown format 0x%02x", ErrMalformed, data[2])
	}
}

func decodeJSONBody(body []byte) (timer.Event, error) {
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return timer.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Kind() != KindEvent {
		return timer.Event{}, fmt.Errorf("%w: not an event", ErrMalformed)
	}
	return timer.NewEvent(f.OriginID, f.Sequence, f.DurationSeconds, fromMillis(int64(f.IssuedAt))), nil
}

func decodeCompact(b []byte) (timer.Event, error) {
	var (
		ev       timer.Event
		issuedAt uint64
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return timer.Event{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldOrigin && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(b)
			ev.OriginID = v
		case num == fieldSequence && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			ev.Sequence = v
		case num == fieldDuration && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if v > uint64(timer.MaxDurationSeconds) {
				return timer.Event{}, fmt.Errorf("%w: duration %d", ErrMalformed, v)
			}
			ev.DurationSeconds = int(v)
		case num == fieldIssuedAt && typ == protowire.VarintType:
			issuedAt, n = protowire.ConsumeVarint(b)
		default:
			// unknown fields are skipped so newer senders stay readable
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return timer.Event{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
	}

	ev.IssuedAt = fromMillis(int64(issuedAt))
	return ev, nil
}
