// Package config loads settings for the relay and the client from, in
// increasing precedence, defaults, an optional YAML file and the
// environment. Command-line flags are applied by the binary on top.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mcdev12/captimer/go/internal/relay"
	"github.com/mcdev12/captimer/go/internal/timer"
	"github.com/mcdev12/captimer/go/internal/wire"
)

// ClientConfig holds the client's settings.
type ClientConfig struct {
	// RelayURL is the relay base address; empty runs without a relay
	RelayURL     string        `yaml:"relay_url"`
	RelaySecret  string        `yaml:"relay_secret"`
	Session      string        `yaml:"session"`
	LANEnabled   bool          `yaml:"lan"`
	LANPort      int           `yaml:"lan_port"`
	LANBroadcast string        `yaml:"lan_broadcast"`
	LANFormat    string        `yaml:"lan_format"`
	Presets      []int         `yaml:"presets"`
	TickInterval time.Duration `yaml:"tick"`
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Session:      relay.DefaultSession,
		LANEnabled:   true,
		LANPort:      54545,
		LANBroadcast: "255.255.255.255",
		LANFormat:    wire.FormatCompact.String(),
		Presets:      timer.DefaultPresets(),
		TickInterval: 100 * time.Millisecond,
		ReconnectMin: 500 * time.Millisecond,
		ReconnectMax: 30 * time.Second,
	}
}

// LoadClient reads defaults, the YAML file at path (if any) and the
// environment. The result is not validated, so flags can still be applied.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadFile(path, &cfg); err != nil {
		return ClientConfig{}, err
	}

	var env envReader
	env.string("CAPTIMER_RELAY_URL", &cfg.RelayURL)
	env.string("CAPTIMER_RELAY_SECRET", &cfg.RelaySecret)
	env.string("CAPTIMER_SESSION", &cfg.Session)
	env.bool("CAPTIMER_LAN", &cfg.LANEnabled)
	env.int("CAPTIMER_LAN_PORT", &cfg.LANPort)
	env.string("CAPTIMER_LAN_BROADCAST", &cfg.LANBroadcast)
	env.string("CAPTIMER_LAN_FORMAT", &cfg.LANFormat)
	env.ints("CAPTIMER_PRESETS", &cfg.Presets)
	env.duration("CAPTIMER_TICK", &cfg.TickInterval)
	env.duration("CAPTIMER_RECONNECT_MIN", &cfg.ReconnectMin)
	env.duration("CAPTIMER_RECONNECT_MAX", &cfg.ReconnectMax)
	if env.err != nil {
		return ClientConfig{}, env.err
	}
	return cfg, nil
}

// Validate reports the first configuration-fatal problem as *Error.
func (c ClientConfig) Validate() error {
	if c.RelayURL != "" {
		if _, err := c.RelayEndpoint(); err != nil {
			return err
		}
	}
	if !relay.ValidSessionName(c.Session) {
		return invalid("session", "%q must be 1-64 letters, digits, '-' or '_'", c.Session)
	}
	if err := validatePort("lan_port", c.LANPort); err != nil {
		return err
	}
	if ip := net.ParseIP(c.LANBroadcast); ip == nil || ip.To4() == nil {
		return invalid("lan_broadcast", "%q is not an IPv4 address", c.LANBroadcast)
	}
	if _, err := wire.ParseFormat(c.LANFormat); err != nil {
		return &Error{Field: "lan_format", Err: err}
	}
	if _, err := timer.NewPresetCycle(c.Presets); err != nil {
		return &Error{Field: "presets", Err: err}
	}
	for _, p := range c.Presets {
		if p > timer.MaxDurationSeconds {
			return invalid("presets", "%ds exceeds the %ds maximum", p, timer.MaxDurationSeconds)
		}
	}
	if c.TickInterval <= 0 {
		return invalid("tick", "must be positive")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return invalid("reconnect", "need 0 < min (%s) <= max (%s)", c.ReconnectMin, c.ReconnectMax)
	}
	return nil
}

// RelayEndpoint builds the WebSocket URL for the configured session.
// http and https are accepted as aliases of ws and wss; an empty path
// becomes /ws.
func (c ClientConfig) RelayEndpoint() (string, error) {
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return "", &Error{Field: "relay_url", Err: err}
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", invalid("relay_url", "unsupported scheme %q in %q", u.Scheme, c.RelayURL)
	}
	if u.Hostname() == "" {
		return "", invalid("relay_url", "missing host in %q", c.RelayURL)
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", invalid("relay_url", "invalid port %q", p)
		}
		if err := validatePort("relay_url", n); err != nil {
			return "", err
		}
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	q := u.Query()
	q.Set("session", c.Session)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// LANListenAddr is the local address the listener binds.
func (c ClientConfig) LANListenAddr() string {
	return fmt.Sprintf(":%d", c.LANPort)
}

// LANTarget is where broadcasts are sent.
func (c ClientConfig) LANTarget() string {
	return net.JoinHostPort(c.LANBroadcast, strconv.Itoa(c.LANPort))
}

// Format returns the parsed LAN encoding. Call after Validate.
func (c ClientConfig) Format() wire.Format {
	f, _ := wire.ParseFormat(c.LANFormat)
	return f
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return invalid(field, "port %d out of range 1-65535", port)
	}
	return nil
}
