package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/captimer/go/internal/wire"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "captimer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadClient_Defaults(t *testing.T) {
	cfg, err := LoadClient("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []int{35, 25, 20}, cfg.Presets)
	assert.True(t, cfg.LANEnabled)
	assert.Equal(t, "255.255.255.255:54545", cfg.LANTarget())
	assert.Equal(t, ":54545", cfg.LANListenAddr())
	assert.Equal(t, wire.FormatCompact, cfg.Format())
}

func TestLoadClient_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
relay_url: https://relay.example.com
session: team-a
lan: false
presets: [60, 30]
tick: 250ms
lan_format: msgpack
`)
	t.Setenv("CAPTIMER_SESSION", "team-b")
	t.Setenv("CAPTIMER_PRESETS", "45, 15")

	cfg, err := LoadClient(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "team-b", cfg.Session)
	assert.False(t, cfg.LANEnabled)
	assert.Equal(t, []int{45, 15}, cfg.Presets)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, wire.FormatMsgpack, cfg.Format())

	endpoint, err := cfg.RelayEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/ws?session=team-b", endpoint)
}

func TestLoadClient_BadInput(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadClient(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.True(t, IsConfigError(err))
	})
	t.Run("bad yaml", func(t *testing.T) {
		_, err := LoadClient(writeFile(t, "presets: {"))
		assert.True(t, IsConfigError(err))
	})
	t.Run("bad env", func(t *testing.T) {
		t.Setenv("CAPTIMER_LAN", "maybe")
		_, err := LoadClient("")
		var cfgErr *Error
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, "CAPTIMER_LAN", cfgErr.Field)
	})
}

func TestClientConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ClientConfig)
		field  string
	}{
		{"unparseable relay url", func(c *ClientConfig) { c.RelayURL = "ws://[::1" }, "relay_url"},
		{"unsupported scheme", func(c *ClientConfig) { c.RelayURL = "ftp://relay" }, "relay_url"},
		{"missing host", func(c *ClientConfig) { c.RelayURL = "ws:///ws" }, "relay_url"},
		{"relay port out of range", func(c *ClientConfig) { c.RelayURL = "ws://relay:70000" }, "relay_url"},
		{"lan port", func(c *ClientConfig) { c.LANPort = 0 }, "lan_port"},
		{"broadcast address", func(c *ClientConfig) { c.LANBroadcast = "everyone" }, "lan_broadcast"},
		{"format", func(c *ClientConfig) { c.LANFormat = "xml" }, "lan_format"},
		{"no presets", func(c *ClientConfig) { c.Presets = nil }, "presets"},
		{"negative preset", func(c *ClientConfig) { c.Presets = []int{35, -5} }, "presets"},
		{"huge preset", func(c *ClientConfig) { c.Presets = []int{7200} }, "presets"},
		{"session", func(c *ClientConfig) { c.Session = "a b" }, "session"},
		{"tick", func(c *ClientConfig) { c.TickInterval = 0 }, "tick"},
		{"reconnect", func(c *ClientConfig) { c.ReconnectMax = time.Millisecond }, "reconnect"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultClientConfig()
			tt.mutate(&cfg)

			var cfgErr *Error
			require.ErrorAs(t, cfg.Validate(), &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestClientConfig_RelayEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ws://localhost:8765", "ws://localhost:8765/ws?session=default"},
		{"http://localhost:8765/", "ws://localhost:8765/ws?session=default"},
		{"wss://relay.example.com/captimer", "wss://relay.example.com/captimer?session=default"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cfg := DefaultClientConfig()
			cfg.RelayURL = tt.in
			got, err := cfg.RelayEndpoint()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadRelay(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("PASSWORD", "old")
	t.Setenv("CAPTIMER_RELAY_SECRET", "new")
	t.Setenv("CAPTIMER_LATE_JOIN", "false")

	cfg, err := LoadRelay("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())
	assert.Equal(t, "new", cfg.Secret)
	assert.False(t, cfg.LateJoin)
}

func TestRelayConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RelayConfig)
		field  string
	}{
		{"port", func(c *RelayConfig) { c.Port = 65536 }, "port"},
		{"ping", func(c *RelayConfig) { c.PingInterval = 0 }, "ping_interval"},
		{"ping beyond client read timeout", func(c *RelayConfig) {
			c.PingInterval = 90 * time.Second
			c.PongTimeout = 120 * time.Second
		}, "ping_interval"},
		{"pong shorter than ping", func(c *RelayConfig) { c.PongTimeout = 10 * time.Second }, "pong_timeout"},
		{"auth", func(c *RelayConfig) { c.AuthTimeout = -time.Second }, "auth_timeout"},
		{"send buffer", func(c *RelayConfig) { c.SendBuffer = 2 }, "send_buffer"},
		{"nats url", func(c *RelayConfig) { c.NATSURL = "nats://" }, "nats_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRelayConfig()
			tt.mutate(&cfg)

			var cfgErr *Error
			require.ErrorAs(t, cfg.Validate(), &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestParseIntList(t *testing.T) {
	got, err := ParseIntList(" 35, 25 ,20,")
	require.NoError(t, err)
	assert.Equal(t, []int{35, 25, 20}, got)

	_, err = ParseIntList("35,abc")
	assert.Error(t, err)
}
