package relay

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Service is the relay server: WebSocket fan-out, optional federation,
// metrics and health endpoints.
type Service struct {
	instanceID        string
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	metrics           *PrometheusMetrics
	bridge            *NATSBridge
	health            *HealthChecker
}

// Config holds configuration for the relay service
type Config struct {
	ConnectionConfig ConnectionConfig
	// NATS enables federation when non-nil
	NATS *NATSBridgeConfig
}

// DefaultConfig returns default configuration for the relay
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
	}
}

// NewService creates a new relay service
func NewService(config Config) (*Service, error) {
	instanceID := uuid.New().String()[:8]
	metrics := NewPrometheusMetrics()
	connectionManager := NewConnectionManager(config.ConnectionConfig, metrics, nil)

	s := &Service{
		instanceID:        instanceID,
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		metrics:           metrics,
	}

	if config.NATS != nil {
		bridge, err := NewNATSBridge(*config.NATS, instanceID)
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS bridge: %w", err)
		}
		connectionManager.AttachBridge(bridge)
		s.bridge = bridge
		s.health = NewHealthChecker(connectionManager, bridge)
	} else {
		s.health = NewHealthChecker(connectionManager, nil)
	}

	return s, nil
}

// Start runs the relay until ctx is cancelled
func (s *Service) Start(ctx context.Context) error {
	log.Info().
		Str("instance_id", s.instanceID).
		Bool("federated", s.bridge != nil).
		Msg("starting relay service")

	go s.connectionManager.Start(ctx)

	if s.bridge != nil {
		go func() {
			if err := s.bridge.Run(ctx, s.connectionManager.DeliverRemote); err != nil {
				log.Error().Err(err).Msg("NATS bridge failed")
			}
		}()
	}

	<-ctx.Done()

	log.Info().Msg("relay service shutting down")
	return s.Stop()
}

// Stop releases the bridge connection
func (s *Service) Stop() error {
	if s.bridge != nil {
		s.bridge.Close()
	}
	log.Info().Msg("relay service stopped")
	return nil
}

// Handler returns the relay's HTTP surface wrapped in CORS
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.wsHandler.RegisterRoutes(mux)
	mux.Handle("/health", s.health)
	mux.Handle("/metrics", s.metrics.Handler())

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

// Stats returns statistics about the relay
func (s *Service) Stats() Stats {
	return s.connectionManager.Stats()
}
