package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mcdev12/captimer/go/internal/timer"
)

func testEvent() timer.Event {
	return timer.NewEvent("3f0c6c1e-origin", 42, 25, time.UnixMilli(1760000000123))
}

func TestDecodeFrame_Kinds(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Kind
	}{
		{name: "event", data: `{"origin_id":"a","sequence":1,"duration_seconds":35,"issued_at":1.5e12}`, want: KindEvent},
		{name: "credential", data: `{"credential":"hunter2"}`, want: KindCredential},
		{name: "empty credential", data: `{"credential":""}`, want: KindCredential},
		{name: "connected", data: `{"cmd":"connected","clients":3}`, want: KindControl},
		{name: "snapshot", data: `{"cmd":"snapshot","origin_id":"a","sequence":1,"duration_seconds":35,"remaining_ms":1200}`, want: KindSnapshot},
		{name: "empty object", data: `{}`, want: KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Kind())
		})
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	for _, data := range []string{``, `not json`, `[1,2]`, `{"sequence":"seven"}`} {
		_, err := DecodeFrame([]byte(data))
		assert.ErrorIs(t, err, ErrMalformed, "payload %q", data)
	}
}

func TestFrame_EventValidates(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"origin_id":"a","sequence":0,"duration_seconds":35}`))
	require.NoError(t, err)

	_, err = f.Event()
	assert.ErrorIs(t, err, timer.ErrInvalidEvent)
}

func TestEncodeEvent_FieldNames(t *testing.T) {
	data, err := EncodeEvent(testEvent())
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"origin_id":"3f0c6c1e-origin","sequence":42,"duration_seconds":25,"issued_at":1760000000123}`,
		string(data))
}

func TestEncodeSnapshot(t *testing.T) {
	data, err := EncodeSnapshot(testEvent(), 12345*time.Millisecond)
	require.NoError(t, err)

	f, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, KindSnapshot, f.Kind())
	assert.Equal(t, 12345*time.Millisecond, f.Remaining())

	ev, err := f.Event()
	require.NoError(t, err)
	assert.Equal(t, testEvent().OriginID, ev.OriginID)
	assert.Equal(t, uint64(42), ev.Sequence)
}

func TestEncodeControl(t *testing.T) {
	data, err := EncodeControl(CmdAuthRequired, -1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cmd":"auth_required"}`, string(data))

	data, err = EncodeControl(CmdConnected, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cmd":"connected","clients":0}`, string(data))
}

func TestDatagram_AllFormats(t *testing.T) {
	for _, format := range []Format{FormatCompact, FormatMsgpack, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			data, err := MarshalDatagram(testEvent(), format)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(data), MaxDatagramSize)

			ev, err := UnmarshalDatagram(data)
			require.NoError(t, err)
			assert.Equal(t, testEvent().OriginID, ev.OriginID)
			assert.Equal(t, testEvent().Sequence, ev.Sequence)
			assert.Equal(t, testEvent().DurationSeconds, ev.DurationSeconds)
			assert.True(t, testEvent().IssuedAt.Equal(ev.IssuedAt))
		})
	}
}

func TestDatagram_CompactIsSmall(t *testing.T) {
	compact, err := MarshalDatagram(testEvent(), FormatCompact)
	require.NoError(t, err)
	js, err := MarshalDatagram(testEvent(), FormatJSON)
	require.NoError(t, err)

	assert.Less(t, len(compact), len(js))
}

func TestDatagram_BareJSON(t *testing.T) {
	ev, err := UnmarshalDatagram([]byte(`{"origin_id":"peer","sequence":3,"duration_seconds":20}`))
	require.NoError(t, err)
	assert.Equal(t, "peer", ev.OriginID)
	assert.Equal(t, 20, ev.DurationSeconds)
}

func TestDatagram_SkipsUnknownCompactFields(t *testing.T) {
	data, err := MarshalDatagram(testEvent(), FormatCompact)
	require.NoError(t, err)

	data = protowire.AppendTag(data, 15, protowire.BytesType)
	data = protowire.AppendString(data, "future field")

	ev, err := UnmarshalDatagram(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), ev.Sequence)
}

func TestDatagram_Rejects(t *testing.T) {
	valid, err := MarshalDatagram(testEvent(), FormatCompact)
	require.NoError(t, err)

	badVersion := append([]byte{}, valid...)
	badVersion[1] = 0x09

	badFormat := append([]byte{}, valid...)
	badFormat[2] = 0x7f

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "oversized", data: make([]byte, MaxDatagramSize+1)},
		{name: "wrong magic", data: []byte{0x00, 0x01, 0x01}},
		{name: "bad version", data: badVersion},
		{name: "bad format", data: badFormat},
		{name: "truncated", data: valid[:len(valid)-3]},
		{name: "json control frame", data: []byte(`{"cmd":"connected"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalDatagram(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestDatagram_InvalidEventRejected(t *testing.T) {
	data, err := MarshalDatagram(timer.NewEvent("a", 1, 0, time.Now()), FormatMsgpack)
	require.NoError(t, err)

	_, err = UnmarshalDatagram(data)
	assert.ErrorIs(t, err, timer.ErrInvalidEvent)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("MsgPack")
	require.NoError(t, err)
	assert.Equal(t, FormatMsgpack, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCompact, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
