package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/captimer/go/internal/credential"
	"github.com/mcdev12/captimer/go/internal/timer"
	"github.com/mcdev12/captimer/go/internal/wire"
)

// ErrAuthFailed is the close reason sent to connections with a bad credential
var ErrAuthFailed = errors.New("authentication failed")

// AuthState is the authentication state of one connection
type AuthState int32

const (
	AuthPending AuthState = iota
	AuthAuthenticated
	AuthRejected
)

func (s AuthState) String() string {
	switch s {
	case AuthPending:
		return "pending"
	case AuthAuthenticated:
		return "authenticated"
	case AuthRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ConnectionManager owns the connection registry. Every add, remove, state
// change and fan-out runs under mu, so a broadcast never races with
// registration or cleanup.
type ConnectionManager struct {
	// Connections grouped by session name
	sessions map[string]*session
	mu       sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	verifier *credential.Verifier
	clock    clockwork.Clock
	metrics  MetricsCollector
	bridge   Bridge

	broadcastCh chan BroadcastMessage
}

type session struct {
	conns map[*Connection]struct{}
	last  *lastEvent
}

// lastEvent is the most recently forwarded event of a session, kept only
// to bring late joiners up to the current countdown.
type lastEvent struct {
	event      timer.Event
	receivedAt time.Time
}

// Connection represents a WebSocket connection to a client
type Connection struct {
	ID         string
	Session    string
	RemoteAddr string
	Conn       *websocket.Conn
	Send       chan []byte
	Manager    *ConnectionManager

	ConnectedAt time.Time
	lastSeen    atomic.Int64 // unix nanos
	state       atomic.Int32

	// set under Manager.mu before Send is closed
	closeCode int
	closeText string
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	AuthTimeout     time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	BroadcastBuffer int
	Secret          string
	LateJoinSync    bool
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is one event queued for fan-out within a session.
// Sender is nil for events that arrived from another relay instance.
type BroadcastMessage struct {
	Session string
	Sender  *Connection
	Event   timer.Event
	Payload []byte
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		PongTimeout:     30 * time.Second,
		PingInterval:    20 * time.Second,
		AuthTimeout:     10 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  32,
		BroadcastBuffer: 1000,
		LateJoinSync:    true,
		CheckOrigin: func(r *http.Request) bool {
			// desktop clients send no Origin; browsers are not a target
			return true
		},
	}
}

// NewConnectionManager creates a new relay connection manager
func NewConnectionManager(config ConnectionConfig, metrics MetricsCollector, clock clockwork.Clock) *ConnectionManager {
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &ConnectionManager{
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		verifier:    credential.NewVerifier(config.Secret),
		clock:       clock,
		metrics:     metrics,
		broadcastCh: make(chan BroadcastMessage, config.BroadcastBuffer),
	}
}

// AttachBridge makes locally originated events visible to other relay
// instances. Must be called before Start.
func (cm *ConnectionManager) AttachBridge(b Bridge) {
	cm.bridge = b
}

// Start processes queued broadcasts until ctx is done, then closes every
// connection.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Bool("auth", cm.verifier != nil).Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and admits it
// into sessionName.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, sessionName string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	now := cm.clock.Now()
	connection := &Connection{
		ID:          uuid.New().String(),
		Session:     sessionName,
		RemoteAddr:  r.RemoteAddr,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		ConnectedAt: now,
	}
	connection.lastSeen.Store(now.UnixNano())

	cm.accept(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("session", sessionName).
		Str("remote_addr", r.RemoteAddr).
		Str("state", connection.State().String()).
		Msg("WebSocket connection established")

	return nil
}

// accept registers the connection. Without a secret it is admitted
// immediately, otherwise it is challenged for a credential.
func (cm *ConnectionManager) accept(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	s := cm.sessions[conn.Session]
	if s == nil {
		cm.pruneSessionsLocked()
		s = &session{conns: make(map[*Connection]struct{})}
		cm.sessions[conn.Session] = s
	}
	s.conns[conn] = struct{}{}
	cm.metrics.ConnectionOpened()

	if cm.verifier == nil {
		cm.admitLocked(conn, s)
		return
	}

	conn.state.Store(int32(AuthPending))
	if frame, err := wire.EncodeControl(wire.CmdAuthRequired, -1); err == nil {
		conn.Send <- frame
	}
}

// admitLocked promotes a connection and queues its greeting: the peer
// count and, if a countdown is still running, a snapshot of it.
func (cm *ConnectionManager) admitLocked(conn *Connection, s *session) {
	conn.state.Store(int32(AuthAuthenticated))

	if frame, err := wire.EncodeControl(wire.CmdConnected, s.authenticatedCount()); err == nil {
		conn.Send <- frame
	}

	if !cm.config.LateJoinSync || s.last == nil {
		return
	}
	remaining := s.last.event.Duration() - cm.clock.Since(s.last.receivedAt)
	if remaining <= 0 {
		return
	}
	frame, err := wire.EncodeSnapshot(s.last.event, remaining)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode snapshot")
		return
	}
	conn.Send <- frame

	log.Debug().
		Str("connection_id", conn.ID).
		Str("event", s.last.event.String()).
		Dur("remaining", remaining).
		Msg("sent late-join snapshot")
}

// onMessage handles one inbound frame. Faults stay with the connection
// that produced them.
func (cm *ConnectionManager) onMessage(conn *Connection, payload []byte) {
	switch conn.State() {
	case AuthRejected:
		return

	case AuthPending:
		cm.authenticate(conn, payload)

	case AuthAuthenticated:
		frame, err := wire.DecodeFrame(payload)
		if err != nil {
			cm.metrics.FrameDropped("malformed")
			log.Warn().Err(err).Str("connection_id", conn.ID).Msg("dropping malformed frame")
			return
		}

		if frame.Kind() != wire.KindEvent {
			cm.metrics.FrameDropped("unexpected_" + frame.Kind().String())
			log.Debug().
				Str("connection_id", conn.ID).
				Str("kind", frame.Kind().String()).
				Msg("ignoring non-event frame")
			return
		}

		ev, err := frame.Event()
		if err != nil {
			cm.metrics.FrameDropped("invalid")
			log.Warn().Err(err).Str("connection_id", conn.ID).Msg("dropping invalid event")
			return
		}

		cm.enqueue(BroadcastMessage{
			Session: conn.Session,
			Sender:  conn,
			Event:   ev,
			Payload: payload,
		})
	}
}

// authenticate treats the first message of a pending connection as its
// credential.
func (cm *ConnectionManager) authenticate(conn *Connection, payload []byte) {
	frame, err := wire.DecodeFrame(payload)
	if err != nil || frame.Kind() != wire.KindCredential {
		cm.metrics.AuthFailed("no_credential")
		log.Warn().Str("connection_id", conn.ID).Msg("first message was not a credential")
		cm.reject(conn)
		return
	}

	if err := cm.verifier.Verify(*frame.Credential); err != nil {
		cm.metrics.AuthFailed("mismatch")
		log.Warn().Err(err).Str("connection_id", conn.ID).Msg("credential rejected")
		cm.reject(conn)
		return
	}

	cm.mu.Lock()
	if s, ok := cm.sessions[conn.Session]; ok && conn.State() == AuthPending {
		if _, member := s.conns[conn]; member {
			cm.admitLocked(conn, s)
		}
	}
	cm.mu.Unlock()

	cm.metrics.AuthSucceeded()
	conn.Conn.SetReadDeadline(time.Now().Add(cm.config.PongTimeout))

	log.Info().
		Str("connection_id", conn.ID).
		Str("session", conn.Session).
		Msg("connection authenticated")
}

// reject tells the client why and closes it with a policy violation.
func (cm *ConnectionManager) reject(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn.state.Store(int32(AuthRejected))
	if frame, err := wire.EncodeControl(wire.CmdAuthFailed, -1); err == nil {
		select {
		case conn.Send <- frame:
		default:
		}
	}
	cm.removeLocked(conn, websocket.ClosePolicyViolation, ErrAuthFailed.Error())
}

// onDisconnect removes the connection. No countdown belongs to a
// connection, so nothing else changes.
func (cm *ConnectionManager) onDisconnect(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.removeLocked(conn, websocket.CloseNormalClosure, "")
}

// removeLocked unregisters conn and closes its send queue, which makes the
// write pump flush, send a close frame and exit. Safe to call repeatedly.
func (cm *ConnectionManager) removeLocked(conn *Connection, code int, text string) bool {
	s, ok := cm.sessions[conn.Session]
	if !ok {
		return false
	}
	if _, member := s.conns[conn]; !member {
		return false
	}

	delete(s.conns, conn)
	conn.closeCode = code
	conn.closeText = text
	close(conn.Send)
	cm.metrics.ConnectionClosed()

	// keep an empty session while its countdown runs so a reconnecting
	// client still gets the snapshot
	if len(s.conns) == 0 && !s.running(cm.clock.Now()) {
		delete(cm.sessions, conn.Session)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("session", conn.Session).
		Str("state", conn.State().String()).
		Msg("connection unregistered")
	return true
}

// DeliverRemote queues an event received from another relay instance.
func (cm *ConnectionManager) DeliverRemote(sessionName string, payload []byte) {
	frame, err := wire.DecodeFrame(payload)
	if err != nil {
		cm.metrics.FrameDropped("bridge_malformed")
		log.Warn().Err(err).Str("session", sessionName).Msg("dropping malformed bridge message")
		return
	}
	ev, err := frame.Event()
	if err != nil {
		cm.metrics.FrameDropped("bridge_invalid")
		log.Warn().Err(err).Str("session", sessionName).Msg("dropping invalid bridge event")
		return
	}

	cm.metrics.BridgeMessage("in")
	cm.enqueue(BroadcastMessage{Session: sessionName, Event: ev, Payload: payload})
}

func (cm *ConnectionManager) enqueue(message BroadcastMessage) {
	select {
	case cm.broadcastCh <- message:
	default:
		cm.metrics.FrameDropped("broadcast_queue_full")
		log.Warn().Str("session", message.Session).Msg("broadcast channel full, dropping message")
	}
}

// handleBroadcast forwards the payload verbatim to every other
// authenticated member of the session. Sends never block: a member whose
// queue is full is dropped instead of stalling the others.
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.Lock()
	s, exists := cm.sessions[message.Session]
	if !exists {
		cm.mu.Unlock()
		cm.publish(message)
		return
	}

	s.last = &lastEvent{event: message.Event, receivedAt: cm.clock.Now()}

	recipients := 0
	for conn := range s.conns {
		if conn == message.Sender || conn.State() != AuthAuthenticated {
			continue
		}
		select {
		case conn.Send <- message.Payload:
			recipients++
		default:
			log.Warn().
				Str("connection_id", conn.ID).
				Str("session", conn.Session).
				Msg("connection send buffer full, closing connection")
			cm.metrics.SlowConsumerDropped()
			cm.removeLocked(conn, websocket.CloseTryAgainLater, "send buffer overflow")
		}
	}
	cm.mu.Unlock()

	cm.metrics.EventForwarded(recipients)
	cm.publish(message)

	log.Debug().
		Str("event", message.Event.String()).
		Str("session", message.Session).
		Int("recipients", recipients).
		Msg("event broadcasted")
}

func (cm *ConnectionManager) publish(message BroadcastMessage) {
	if cm.bridge == nil || message.Sender == nil {
		return
	}
	if err := cm.bridge.Publish(message.Session, message.Payload); err != nil {
		log.Error().Err(err).Str("session", message.Session).Msg("failed to publish event to bridge")
		return
	}
	cm.metrics.BridgeMessage("out")
}

// pruneSessionsLocked drops empty sessions whose countdown has ended.
func (cm *ConnectionManager) pruneSessionsLocked() {
	now := cm.clock.Now()
	for name, s := range cm.sessions {
		if len(s.conns) == 0 && !s.running(now) {
			delete(cm.sessions, name)
		}
	}
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, s := range cm.sessions {
		for conn := range s.conns {
			cm.removeLocked(conn, websocket.CloseGoingAway, "relay shutting down")
		}
	}
}

// Stats summarizes the registry
type Stats struct {
	TotalConnections   int            `json:"total_connections"`
	Authenticated      int            `json:"authenticated"`
	ActiveSessions     int            `json:"active_sessions"`
	SessionConnections map[string]int `json:"session_connections"`
}

// Stats returns statistics about active connections
func (cm *ConnectionManager) Stats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := Stats{SessionConnections: make(map[string]int)}
	for name, s := range cm.sessions {
		if len(s.conns) == 0 {
			continue
		}
		stats.ActiveSessions++
		stats.TotalConnections += len(s.conns)
		authenticated := s.authenticatedCount()
		stats.Authenticated += authenticated
		stats.SessionConnections[name] = authenticated
	}
	return stats
}

func (s *session) authenticatedCount() int {
	n := 0
	for conn := range s.conns {
		if conn.State() == AuthAuthenticated {
			n++
		}
	}
	return n
}

func (s *session) running(now time.Time) bool {
	if s.last == nil {
		return false
	}
	return s.last.event.Duration() > now.Sub(s.last.receivedAt)
}

// State returns the connection's authentication state.
func (c *Connection) State() AuthState {
	return AuthState(c.state.Load())
}

// LastSeen returns when the peer last sent a frame or a pong.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch() {
	c.lastSeen.Store(c.Manager.clock.Now().UnixNano())
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := c.Manager.clock.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.onDisconnect(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeText))
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.Chan():
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection. A peer
// that neither sends nor answers pings within PongTimeout is dropped, as is
// a pending peer that does not authenticate within AuthTimeout.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.onDisconnect(c)
		c.Conn.Close()
	}()

	cfg := c.Manager.config
	c.Conn.SetReadLimit(cfg.MaxMessageSize)
	if c.State() == AuthPending {
		c.Conn.SetReadDeadline(time.Now().Add(cfg.AuthTimeout))
	} else {
		c.Conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	}
	c.Conn.SetPongHandler(func(string) error {
		c.touch()
		if c.State() == AuthAuthenticated {
			c.Conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		}
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close")
			}
			break
		}

		c.touch()
		// a rejected connection keeps reading until the write pump has
		// flushed auth_failed and the close frame and closed the socket
		c.Manager.onMessage(c, message)
		if c.State() == AuthAuthenticated {
			c.Conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		}
	}
}
