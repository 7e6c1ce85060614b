package lan

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/captimer/go/internal/timer"
	"github.com/mcdev12/captimer/go/internal/wire"
)

func setup(t *testing.T, localID string, format wire.Format) (*Listener, *Broadcaster) {
	t.Helper()
	l, err := Listen("127.0.0.1:0", localID)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	b, err := NewBroadcaster(l.LocalAddr().String(), format)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return l, b
}

func next(t *testing.T, l *Listener) timer.Event {
	t.Helper()
	select {
	case ev, ok := <-l.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return timer.Event{}
	}
}

func TestBroadcast_ReachesListener(t *testing.T) {
	for _, format := range []wire.Format{wire.FormatCompact, wire.FormatMsgpack, wire.FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			l, b := setup(t, "me", format)

			require.NoError(t, b.Broadcast(timer.NewEvent("peer", 1, 35, time.Now())))

			ev := next(t, l)
			assert.Equal(t, "peer", ev.OriginID)
			assert.Equal(t, 35, ev.DurationSeconds)
		})
	}
}

func TestListener_DropsOwnEvents(t *testing.T) {
	l, b := setup(t, "me", wire.FormatCompact)

	require.NoError(t, b.Broadcast(timer.NewEvent("me", 1, 35, time.Now())))
	require.NoError(t, b.Broadcast(timer.NewEvent("peer", 1, 25, time.Now())))

	ev := next(t, l)
	assert.Equal(t, "peer", ev.OriginID)
}

func TestListener_Decode(t *testing.T) {
	l := &Listener{localID: "me"}
	own, err := wire.MarshalDatagram(timer.NewEvent("me", 3, 35, time.Now()), wire.FormatCompact)
	require.NoError(t, err)
	peer, err := wire.MarshalDatagram(timer.NewEvent("peer", 3, 35, time.Now()), wire.FormatJSON)
	require.NoError(t, err)

	_, err = l.decode(own)
	assert.ErrorIs(t, err, ErrSelfOrigin)

	_, err = l.decode([]byte{0xC7})
	assert.ErrorIs(t, err, wire.ErrMalformed)

	ev, err := l.decode(peer)
	require.NoError(t, err)
	assert.Equal(t, "peer", ev.OriginID)
}

func TestListener_DiscardsGarbage(t *testing.T) {
	l, b := setup(t, "me", wire.FormatCompact)
	target := l.LocalAddr().(*net.UDPAddr)

	_, err := b.conn.WriteToUDP([]byte("hello there"), target)
	require.NoError(t, err)
	_, err = b.conn.WriteToUDP(make([]byte, wire.MaxDatagramSize+1), target)
	require.NoError(t, err)
	require.NoError(t, b.Broadcast(timer.NewEvent("peer", 2, 20, time.Now())))

	ev := next(t, l)
	assert.Equal(t, uint64(2), ev.Sequence)
}

func TestListener_CloseEndsEvents(t *testing.T) {
	l, _ := setup(t, "me", wire.FormatCompact)
	events := l.Events()

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestNewBroadcaster_BadAddress(t *testing.T) {
	_, err := NewBroadcaster("not an address", wire.FormatCompact)
	assert.Error(t, err)
}
