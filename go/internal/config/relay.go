package config

import (
	"net"
	"net/url"
	"strconv"
	"time"
)

// MaxPingInterval keeps relay pings well inside the client's 60s read
// timeout (syncclient.DefaultRelayConfig), so quiet clients stay connected.
const MaxPingInterval = 45 * time.Second

// RelayConfig holds the relay server's settings.
type RelayConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Secret string `yaml:"secret"`
	// NATSURL enables federation when set
	NATSURL      string        `yaml:"nats_url"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	AuthTimeout  time.Duration `yaml:"auth_timeout"`
	SendBuffer   int           `yaml:"send_buffer"`
	LateJoin     bool          `yaml:"late_join"`
}

// DefaultRelayConfig returns the relay defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Host:         "0.0.0.0",
		Port:         8765,
		PingInterval: 20 * time.Second,
		PongTimeout:  30 * time.Second,
		AuthTimeout:  10 * time.Second,
		SendBuffer:   32,
		LateJoin:     true,
	}
}

// LoadRelay reads defaults, the YAML file at path (if any) and the
// environment. PASSWORD is honored for compatibility; CAPTIMER_RELAY_SECRET
// wins when both are set.
func LoadRelay(path string) (RelayConfig, error) {
	cfg := DefaultRelayConfig()
	if err := loadFile(path, &cfg); err != nil {
		return RelayConfig{}, err
	}

	var env envReader
	env.string("HOST", &cfg.Host)
	env.int("PORT", &cfg.Port)
	env.string("PASSWORD", &cfg.Secret)
	env.string("CAPTIMER_RELAY_SECRET", &cfg.Secret)
	env.string("CAPTIMER_NATS_URL", &cfg.NATSURL)
	env.duration("CAPTIMER_PING_INTERVAL", &cfg.PingInterval)
	env.duration("CAPTIMER_PONG_TIMEOUT", &cfg.PongTimeout)
	env.duration("CAPTIMER_AUTH_TIMEOUT", &cfg.AuthTimeout)
	env.int("CAPTIMER_SEND_BUFFER", &cfg.SendBuffer)
	env.bool("CAPTIMER_LATE_JOIN", &cfg.LateJoin)
	if env.err != nil {
		return RelayConfig{}, env.err
	}
	return cfg, nil
}

// Validate reports the first configuration-fatal problem as *Error.
func (c RelayConfig) Validate() error {
	if err := validatePort("port", c.Port); err != nil {
		return err
	}
	if c.PingInterval <= 0 || c.PingInterval > MaxPingInterval {
		return invalid("ping_interval", "%s must be between 0 and %s", c.PingInterval, MaxPingInterval)
	}
	if c.AuthTimeout <= 0 {
		return invalid("auth_timeout", "must be positive")
	}
	if c.PongTimeout <= c.PingInterval {
		return invalid("pong_timeout", "%s must exceed the ping interval %s", c.PongTimeout, c.PingInterval)
	}
	if c.SendBuffer < 4 {
		return invalid("send_buffer", "%d is below the minimum of 4", c.SendBuffer)
	}
	if c.NATSURL != "" {
		u, err := url.Parse(c.NATSURL)
		if err != nil {
			return &Error{Field: "nats_url", Err: err}
		}
		if u.Host == "" {
			return invalid("nats_url", "missing host in %q", c.NATSURL)
		}
	}
	return nil
}

// Addr is the listen address.
func (c RelayConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
