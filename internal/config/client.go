// Package config loads the gateway client configuration from defaults, an
// optional YAML file, environment variables and command line flags, in that
// order of precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the connection core.
const (
	DefaultServerURL             = "ws://127.0.0.1:18789"
	DefaultConnectTimeout        = 15 * time.Second
	DefaultRequestTimeout        = 60 * time.Second
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultTickTimeoutMultiplier = 2.5
	DefaultBackoffBase           = time.Second
	DefaultBackoffCap            = 16 * time.Second
)

// ClientConfig holds everything the gateway client needs to establish and
// maintain its connection. It is read-only once the client is constructed.
type ClientConfig struct {
	ServerURL string   `yaml:"server_url"`
	Token     string   `yaml:"token"`
	Role      string   `yaml:"role"`
	Scopes    []string `yaml:"scopes"`

	ClientID      string `yaml:"client_id"`
	ClientMode    string `yaml:"client_mode"`
	ClientVersion string `yaml:"client_version"`

	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	TickTimeoutMultiplier float64       `yaml:"tick_timeout_multiplier"`
	BackoffBase           time.Duration `yaml:"backoff_base"`
	BackoffCap            time.Duration `yaml:"backoff_cap"`
	AutoReconnect         bool          `yaml:"auto_reconnect"`
	MaxAttempts           int           `yaml:"max_attempts"`

	StatusAddr  string `yaml:"status_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a ClientConfig with every tunable at its default.
// MaxAttempts 0 means reconnect forever, the right default for a long-lived
// background client.
func Default() ClientConfig {
	return ClientConfig{
		ServerURL:             DefaultServerURL,
		ClientID:              "helix",
		ClientMode:            "app",
		ClientVersion:         "dev",
		ConnectTimeout:        DefaultConnectTimeout,
		RequestTimeout:        DefaultRequestTimeout,
		HeartbeatInterval:     DefaultHeartbeatInterval,
		TickTimeoutMultiplier: DefaultTickTimeoutMultiplier,
		BackoffBase:           DefaultBackoffBase,
		BackoffCap:            DefaultBackoffCap,
		AutoReconnect:         true,
	}
}

// LoadFile overlays values from a YAML file. A missing file is not an
// error when optional is true.
func (c *ClientConfig) LoadFile(path string, optional bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// BindFlags overlays environment variables onto c and registers command
// line flags on the default flag set. Call flag.Parse afterwards.
func (c *ClientConfig) BindFlags() {
	c.ServerURL = getEnv("GATEWAY_URL", c.ServerURL)
	c.Token = getEnv("GATEWAY_TOKEN", c.Token)
	c.Role = getEnv("GATEWAY_ROLE", c.Role)
	c.ClientID = getEnv("GATEWAY_CLIENT_ID", c.ClientID)
	c.ClientMode = getEnv("GATEWAY_CLIENT_MODE", c.ClientMode)
	c.ConnectTimeout = getDurationEnv("GATEWAY_CONNECT_TIMEOUT", c.ConnectTimeout)
	c.RequestTimeout = getDurationEnv("GATEWAY_REQUEST_TIMEOUT", c.RequestTimeout)
	c.HeartbeatInterval = getDurationEnv("GATEWAY_HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.MaxAttempts = getIntEnv("GATEWAY_MAX_ATTEMPTS", c.MaxAttempts)

	flag.StringVar(&c.ServerURL, "server-url", c.ServerURL, "gateway websocket url")
	flag.StringVar(&c.Token, "token", c.Token, "gateway auth token")
	flag.StringVar(&c.Role, "role", c.Role, "role presented during handshake")
	flag.StringVar(&c.ClientID, "client-id", c.ClientID, "client identifier")
	flag.StringVar(&c.ClientMode, "client-mode", c.ClientMode, "client mode (app, node, cli)")
	flag.DurationVar(&c.ConnectTimeout, "connect-timeout", c.ConnectTimeout, "socket connect timeout")
	flag.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "per-request timeout")
	flag.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "liveness check interval")
	flag.BoolVar(&c.AutoReconnect, "reconnect", c.AutoReconnect, "reconnect automatically after connection loss")
	flag.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "max reconnect attempts, 0 for unbounded")
	flag.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "address for the status HTTP server")
	flag.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "address for the metrics HTTP server")
}

// Validate rejects configurations the client cannot run with.
func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server url is required")
	}
	if c.ConnectTimeout <= 0 || c.RequestTimeout <= 0 || c.HeartbeatInterval <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.TickTimeoutMultiplier <= 1 {
		return fmt.Errorf("tick timeout multiplier must be > 1")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff cap must be >= base > 0")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be >= 0")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
