// Package lan synchronizes timers between clients on one subnet with
// connectionless UDP broadcast. Delivery is best effort: no acknowledgment
// and no retry.
package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"

	"github.com/mcdev12/captimer/go/internal/timer"
	"github.com/mcdev12/captimer/go/internal/wire"
)

// ErrSelfOrigin marks a datagram this process broadcast itself
var ErrSelfOrigin = errors.New("event from own origin")

const (
	DefaultPort          = 54545
	DefaultBroadcastAddr = "255.255.255.255"
)

// Broadcaster sends timer events as single datagrams.
type Broadcaster struct {
	conn   *net.UDPConn
	target *net.UDPAddr
	format wire.Format
}

// NewBroadcaster opens an unbound UDP socket aimed at target
// (host:port, normally the limited broadcast address).
func NewBroadcaster(target string, format wire.Format) (*Broadcaster, error) {
	addr, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast address %q: %w", target, err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("open broadcast socket: %w", err)
	}

	return &Broadcaster{conn: conn, target: addr, format: format}, nil
}

// Broadcast sends ev once.
func (b *Broadcaster) Broadcast(ev timer.Event) error {
	data, err := wire.MarshalDatagram(ev, b.format)
	if err != nil {
		return fmt.Errorf("encode datagram: %w", err)
	}
	if _, err := b.conn.WriteToUDP(data, b.target); err != nil {
		return fmt.Errorf("send datagram to %s: %w", b.target, err)
	}

	log.Debug().
		Str("event", ev.String()).
		Str("target", b.target.String()).
		Int("bytes", len(data)).
		Msg("broadcast timer event")
	return nil
}

// Close releases the socket.
func (b *Broadcaster) Close() error {
	return b.conn.Close()
}

// Listener receives timer events from the subnet, dropping the ones this
// process sent itself.
type Listener struct {
	conn    net.PacketConn
	pc      *ipv4.PacketConn
	localID string

	events chan timer.Event
	done   chan struct{}
	start  sync.Once
	stop   sync.Once
}

// Listen binds addr (":54545" to hear broadcasts). Several processes on one
// host can listen on the same port where the platform allows address reuse.
func Listen(addr, localID string) (*Listener, error) {
	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		// not supported everywhere; only used for diagnostics
		log.Debug().Err(err).Msg("datagram control messages unavailable")
	}

	return &Listener{
		conn:    conn,
		pc:      pc,
		localID: localID,
		events:  make(chan timer.Event, 16),
		done:    make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound address.
func (l *Listener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// Events returns the received events. Reading starts on the first call;
// the channel is closed once the listener is closed and cannot be
// restarted.
func (l *Listener) Events() <-chan timer.Event {
	l.start.Do(func() {
		go l.readLoop()
	})
	return l.events
}

// Close stops the listener and closes the Events channel.
func (l *Listener) Close() error {
	var err error
	l.stop.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

func (l *Listener) readLoop() {
	defer close(l.events)

	// one spare byte so oversized datagrams are detected, not truncated
	buf := make([]byte, wire.MaxDatagramSize+1)
	for {
		n, cm, src, err := l.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-l.done:
				return
			default:
			}
			log.Warn().Err(err).Msg("datagram receive failed")
			continue
		}

		ev, err := l.decode(buf[:n])
		if err != nil {
			continue
		}

		logEvent := log.Debug().Str("event", ev.String())
		if src != nil {
			logEvent = logEvent.Str("src", src.String())
		}
		if cm != nil && cm.Dst != nil {
			logEvent = logEvent.Str("dst", cm.Dst.String()).Int("ifindex", cm.IfIndex)
		}
		logEvent.Msg("received LAN timer event")

		select {
		case l.events <- ev:
		case <-l.done:
			return
		}
	}
}

func (l *Listener) decode(data []byte) (timer.Event, error) {
	ev, err := wire.UnmarshalDatagram(data)
	if err != nil {
		return timer.Event{}, err
	}
	if ev.OriginID == l.localID {
		return timer.Event{}, ErrSelfOrigin
	}
	return ev, nil
}
