// Package monitor watches a locally managed gateway process and reports
// health transitions, so the app can surface outages and request restarts.
package monitor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helix-app/helix-gateway/internal/logx"
)

// GatewayState describes the monitored gateway process.
type GatewayState string

const (
	StateStopped    GatewayState = "stopped"
	StateStarting   GatewayState = "starting"
	StateRunning    GatewayState = "running"
	StateUnhealthy  GatewayState = "unhealthy"
	StateRestarting GatewayState = "restarting"
)

// StatusEvent is emitted on every state transition.
type StatusEvent struct {
	State     GatewayState `json:"state"`
	Message   string       `json:"message,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Notifier receives state transitions. Called from the monitor goroutine.
type Notifier func(StatusEvent)

// Config tunes the health check loop.
type Config struct {
	// BaseURL is the gateway's HTTP base, e.g. http://127.0.0.1:18789.
	BaseURL string
	// Interval between health checks. Default 30s.
	Interval time.Duration
	// UnhealthyThreshold is the number of consecutive failed probes
	// before the gateway is declared unhealthy. Default 3.
	UnhealthyThreshold int
	// MaxRestarts bounds automatic restart requests per outage. Default 3.
	MaxRestarts int
	// ProbeTimeout bounds one health probe. Default 5s.
	ProbeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 3
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

// Monitor polls the gateway health endpoint and tracks its state.
type Monitor struct {
	cfg     Config
	log     zerolog.Logger
	notify  Notifier
	restart func(attempt int)
	client  *http.Client

	mu      sync.Mutex
	state   GatewayState
	running bool
	cancel  context.CancelFunc
}

// New builds a monitor. notify and restart may be nil.
func New(cfg Config, notify Notifier, restart func(attempt int)) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:     cfg,
		log:     logx.With("monitor"),
		notify:  notify,
		restart: restart,
		client:  &http.Client{Timeout: cfg.ProbeTimeout},
		state:   StateStopped,
	}
}

// State returns the current gateway state.
func (m *Monitor) State() GatewayState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// NotifyStarting marks the gateway as starting up; health checks are
// suspended until NotifyStarted.
func (m *Monitor) NotifyStarting() { m.setState(StateStarting, "gateway starting") }

// NotifyStarted marks the gateway as running.
func (m *Monitor) NotifyStarted() { m.setState(StateRunning, "gateway started") }

// NotifyStopped marks the gateway as intentionally stopped.
func (m *Monitor) NotifyStopped() { m.setState(StateStopped, "gateway stopped") }

// NotifyRestarting marks the gateway as being restarted.
func (m *Monitor) NotifyRestarting() { m.setState(StateRestarting, "gateway restarting") }

// Start launches the health check loop. Starting twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go m.loop(loopCtx)
}

// Stop halts the health check loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	failures := 0
	restarts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		switch m.State() {
		case StateStopped, StateStarting, StateRestarting:
			failures = 0
			continue
		}

		if m.probe(ctx) {
			failures = 0
			restarts = 0
			if m.State() == StateUnhealthy {
				m.setState(StateRunning, "gateway recovered")
			}
			continue
		}

		failures++
		if failures < m.cfg.UnhealthyThreshold {
			continue
		}
		if m.State() != StateUnhealthy {
			m.setState(StateUnhealthy, fmt.Sprintf("gateway not responding after %d checks", failures))
		}
		if m.restart != nil && restarts < m.cfg.MaxRestarts {
			restarts++
			m.log.Warn().Int("attempt", restarts).Int("max", m.cfg.MaxRestarts).Msg("requesting gateway restart")
			m.restart(restarts)
		}
	}
}

// probe checks /health over HTTP, falling back to a plain TCP dial when
// the HTTP endpoint is unreachable.
func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err == nil {
		_ = resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	}
	addr := hostPort(m.cfg.BaseURL)
	if addr == "" {
		return false
	}
	conn, err := net.DialTimeout("tcp", addr, m.cfg.ProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (m *Monitor) setState(s GatewayState, message string) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	notify := m.notify
	m.mu.Unlock()

	m.log.Info().Str("state", string(s)).Msg(message)
	if notify != nil {
		notify(StatusEvent{State: s, Message: message, Timestamp: time.Now()})
	}
}

// hostPort extracts host:port from an http(s) base URL for the TCP
// fallback probe.
func hostPort(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host += ":443"
		default:
			host += ":80"
		}
	}
	return host
}
