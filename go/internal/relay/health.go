package relay

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

type HealthStatus struct {
	Healthy          bool     `json:"healthy"`
	Connections      int      `json:"connections"`
	Sessions         int      `json:"sessions"`
	BridgeConfigured bool     `json:"bridge_configured"`
	BridgeConnected  bool     `json:"bridge_connected"`
	Errors           []string `json:"errors"`
}

// bridgeStatus is the part of NATSBridge the health check needs
type bridgeStatus interface {
	Connected() bool
}

type HealthChecker struct {
	cm     *ConnectionManager
	bridge bridgeStatus
}

func NewHealthChecker(cm *ConnectionManager, bridge bridgeStatus) *HealthChecker {
	return &HealthChecker{cm: cm, bridge: bridge}
}

// Check reports unhealthy only when a configured bridge is down; local
// relaying keeps working without it.
func (h *HealthChecker) Check() HealthStatus {
	stats := h.cm.Stats()
	status := HealthStatus{
		Healthy:     true,
		Connections: stats.TotalConnections,
		Sessions:    stats.ActiveSessions,
		Errors:      []string{},
	}

	if h.bridge != nil {
		status.BridgeConfigured = true
		status.BridgeConnected = h.bridge.Connected()
		if !status.BridgeConnected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check()

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to write health response")
	}
}
