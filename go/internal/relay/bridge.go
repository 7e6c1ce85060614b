package relay

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Bridge carries events between relay instances.
type Bridge interface {
	Publish(session string, payload []byte) error
}

// instanceHeader tags each bridged message with the publishing relay so
// an instance can ignore its own traffic.
const instanceHeader = "Captimer-Relay"

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidSessionName reports whether name can be used as a session and as a
// NATS subject token.
func ValidSessionName(name string) bool {
	return sessionNamePattern.MatchString(name)
}

// NATSBridgeConfig holds configuration for the NATS federation bridge
type NATSBridgeConfig struct {
	URL           string
	SubjectPrefix string // e.g., "captimer.relay"
	MaxReconnects int
	ReconnectWait time.Duration
	BufferSize    int
}

// DefaultNATSBridgeConfig returns default bridge configuration
func DefaultNATSBridgeConfig() NATSBridgeConfig {
	return NATSBridgeConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "captimer.relay",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		BufferSize:    256,
	}
}

// NATSBridge federates relay instances over core NATS subjects. Delivery is
// at-most-once; a missed start is no worse than a dropped datagram.
type NATSBridge struct {
	nc         *nats.Conn
	config     NATSBridgeConfig
	instanceID string
}

// NewNATSBridge connects to NATS
func NewNATSBridge(config NATSBridgeConfig, instanceID string) (*NATSBridge, error) {
	opts := []nats.Option{
		nats.Name("captimer-relay-" + instanceID),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSBridge{
		nc:         nc,
		config:     config,
		instanceID: instanceID,
	}, nil
}

// Publish sends a locally originated event to the other instances.
func (b *NATSBridge) Publish(session string, payload []byte) error {
	msg := nats.NewMsg(b.subject(session))
	msg.Header.Set(instanceHeader, b.instanceID)
	msg.Data = payload

	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// Run delivers events published by other instances until ctx is done.
func (b *NATSBridge) Run(ctx context.Context, deliver func(session string, payload []byte)) error {
	msgCh := make(chan *nats.Msg, b.config.BufferSize)
	sub, err := b.nc.ChanSubscribe(b.config.SubjectPrefix+".>", msgCh)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	log.Info().
		Str("subject", sub.Subject).
		Str("instance_id", b.instanceID).
		Msg("NATS bridge started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("NATS bridge shutting down")
			return nil
		case msg := <-msgCh:
			if msg.Header.Get(instanceHeader) == b.instanceID {
				continue
			}
			session, ok := b.sessionFromSubject(msg.Subject)
			if !ok {
				log.Warn().Str("subject", msg.Subject).Msg("ignoring bridge message on unexpected subject")
				continue
			}
			deliver(session, msg.Data)
		}
	}
}

// Connected reports whether the NATS connection is currently up.
func (b *NATSBridge) Connected() bool {
	return b.nc.IsConnected()
}

// Close closes the NATS connection without draining it.
func (b *NATSBridge) Close() {
	b.nc.Close()
}

func (b *NATSBridge) subject(session string) string {
	return b.config.SubjectPrefix + "." + session
}

func (b *NATSBridge) sessionFromSubject(subject string) (string, bool) {
	session, found := strings.CutPrefix(subject, b.config.SubjectPrefix+".")
	if !found || !ValidSessionName(session) {
		return "", false
	}
	return session, true
}
