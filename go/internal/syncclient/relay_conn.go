package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/captimer/go/internal/credential"
	"github.com/mcdev12/captimer/go/internal/timer"
	"github.com/mcdev12/captimer/go/internal/wire"
)

var (
	// ErrNotConnected is returned by Send while the relay is not connected
	// and authenticated
	ErrNotConnected = errors.New("relay not connected")
	// ErrAuthRejected means the relay refused our credential. It is retried
	// once with a fresh token, then given up.
	ErrAuthRejected = errors.New("relay rejected credential")
)

// maxAuthAttempts bounds consecutive rejected handshakes before Run gives up.
const maxAuthAttempts = 2

// RelayConfig configures the client side of the relay connection.
type RelayConfig struct {
	// URL is the full WebSocket endpoint, including the session query
	URL      string
	Secret   string
	OriginID string

	HandshakeTimeout time.Duration
	// ReadTimeout bounds the silence tolerated from the relay; its pings
	// reset it
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	SendBuffer   int
	TokenTTL     time.Duration
}

// DefaultRelayConfig returns defaults for everything but the URL, secret
// and origin.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReconnectMin:     500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
		SendBuffer:       16,
		TokenTTL:         credential.DefaultTokenTTL,
	}
}

// RelayConn keeps one connection to the relay alive, reconnecting with
// exponential backoff, and reports whether it is usable right now.
type RelayConn struct {
	config RelayConfig
	clock  timer.Clock
	dialer *websocket.Dialer

	ready atomic.Bool
	mu    sync.Mutex
	out   chan []byte
}

// NewRelayConn creates a relay connection. Nothing is dialed until Run.
func NewRelayConn(config RelayConfig, clock timer.Clock) *RelayConn {
	if clock == nil {
		clock = timer.NewRealClock()
	}
	return &RelayConn{
		config: config,
		clock:  clock,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
		},
	}
}

// Ready reports whether the connection is connected and authenticated.
func (r *RelayConn) Ready() bool {
	return r.ready.Load()
}

// Send queues ev for the relay without blocking.
func (r *RelayConn) Send(ev timer.Event) error {
	data, err := wire.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out == nil {
		return ErrNotConnected
	}
	select {
	case r.out <- data:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", ErrNotConnected)
	}
}

// Run connects and reconnects until ctx is cancelled, handing every
// received event to deliver. It returns nil on cancellation and
// ErrAuthRejected when the relay keeps refusing the credential.
func (r *RelayConn) Run(ctx context.Context, deliver func(Inbound)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.ReconnectMin
	b.MaxInterval = r.config.ReconnectMax
	b.MaxElapsedTime = 0
	b.Clock = r.clock
	b.Reset()

	authFailures := 0
	for {
		connected, err := r.session(ctx, deliver)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			authFailures++
			if authFailures >= maxAuthAttempts {
				log.Error().Err(err).Str("url", r.config.URL).Msg("relay authentication failed, not retrying")
				return err
			}
		}
		if connected {
			authFailures = 0
			b.Reset()
		}

		wait := b.NextBackOff()
		log.Warn().
			Err(err).
			Str("url", r.config.URL).
			Dur("retry_in", wait).
			Msg("relay connection lost")

		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(wait):
		}
	}
}

// session runs one connection. connected reports whether the handshake
// completed, so the caller knows to reset its backoff.
func (r *RelayConn) session(ctx context.Context, deliver func(Inbound)) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.config.HandshakeTimeout)
	conn, _, err := r.dialer.DialContext(dialCtx, r.config.URL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	// unblocks the reader on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := r.handshake(conn); err != nil {
		return false, err
	}

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(r.config.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(r.config.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})

	out := make(chan []byte, r.config.SendBuffer)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		r.writeLoop(conn, out, done)
	}()

	r.mu.Lock()
	r.out = out
	r.mu.Unlock()
	r.ready.Store(true)
	log.Info().Str("url", r.config.URL).Msg("connected to relay")

	defer func() {
		r.mu.Lock()
		r.out = nil
		r.ready.Store(false)
		r.mu.Unlock()
		close(done)
		<-writerDone
	}()

	return true, r.readLoop(conn, deliver)
}

func (r *RelayConn) handshake(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(r.config.HandshakeTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return fmt.Errorf("%w: %v", ErrAuthRejected, err)
			}
			return fmt.Errorf("relay handshake: %w", err)
		}

		frame, err := wire.DecodeFrame(data)
		if err != nil {
			log.Warn().Err(err).Msg("ignoring malformed frame from relay")
			continue
		}

		switch frame.Cmd {
		case wire.CmdConnected:
			conn.SetReadDeadline(time.Now().Add(r.config.ReadTimeout))
			return nil
		case wire.CmdAuthFailed:
			return ErrAuthRejected
		case wire.CmdAuthRequired:
			if r.config.Secret == "" {
				return fmt.Errorf("%w: relay requires a secret and none is configured", ErrAuthRejected)
			}
			if err := r.sendCredential(conn); err != nil {
				return err
			}
		}
	}
}

func (r *RelayConn) sendCredential(conn *websocket.Conn) error {
	token, err := credential.Issue(r.config.Secret, r.config.OriginID, r.clock.Now(), r.config.TokenTTL)
	if err != nil {
		return err
	}
	data, err := wire.EncodeCredential(token)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(r.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send credential: %w", err)
	}
	return nil
}

func (r *RelayConn) readLoop(conn *websocket.Conn, deliver func(Inbound)) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read from relay: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(r.config.ReadTimeout))

		frame, err := wire.DecodeFrame(data)
		if err != nil {
			log.Warn().Err(err).Msg("ignoring malformed frame from relay")
			continue
		}

		switch frame.Kind() {
		case wire.KindEvent, wire.KindSnapshot:
			in, err := decodeInbound(frame)
			if err != nil {
				log.Warn().Err(err).Msg("ignoring invalid event from relay")
				continue
			}
			deliver(in)
		case wire.KindControl:
			log.Debug().Str("cmd", string(frame.Cmd)).Msg("relay control frame")
		}
	}
}

func (r *RelayConn) writeLoop(conn *websocket.Conn, out <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case data := <-out:
			conn.SetWriteDeadline(time.Now().Add(r.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Msg("write to relay failed")
				// the reader sees the closed socket and ends the session
				conn.Close()
				return
			}
		}
	}
}

// decodeInbound converts an event or snapshot frame. The relay only sends
// snapshots of running countdowns, so one with nothing left is invalid.
func decodeInbound(frame wire.Frame) (Inbound, error) {
	ev, err := frame.Event()
	if err != nil {
		return Inbound{}, err
	}

	in := Inbound{Event: ev, Via: RouteRelay}
	if frame.Kind() == wire.KindSnapshot {
		if frame.RemainingMS <= 0 {
			return Inbound{}, fmt.Errorf("%w: snapshot with %dms remaining", wire.ErrMalformed, frame.RemainingMS)
		}
		in.Snapshot = true
		in.Remaining = frame.Remaining()
	}
	return in, nil
}
