// Package launcher spawns and supervises a local gateway process for
// desktop installs that bundle the gateway alongside the app.
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/helix-app/helix-gateway/internal/logx"
)

// DefaultPort is the well-known local gateway port.
const DefaultPort = 18789

// Config describes how to start the gateway process.
type Config struct {
	// Binary is the gateway executable path.
	Binary string
	// Dir is the working directory for the process; empty keeps the
	// current one.
	Dir string
	// Port is the requested listen port; 0 picks DefaultPort when free,
	// otherwise any free port.
	Port int
	// Token is passed to the gateway for client authentication. It is
	// redacted from all logs.
	Token string
}

// Info is a snapshot of the managed process.
type Info struct {
	Running bool   `json:"running"`
	Port    int    `json:"port,omitempty"`
	PID     int    `json:"pid,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Launcher manages at most one local gateway process.
type Launcher struct {
	cfg Config
	log zerolog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	port int
	url  string
}

// New builds a launcher; the process is not started until Start.
func New(cfg Config) *Launcher {
	return &Launcher{cfg: cfg, log: logx.With("launcher")}
}

// Start spawns the gateway and returns its listen info. Starting twice
// without an intervening Stop is an error.
func (l *Launcher) Start(ctx context.Context) (Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd != nil {
		return Info{}, fmt.Errorf("gateway already running (pid %d)", l.cmd.Process.Pid)
	}

	port, err := resolvePort(l.cfg.Port)
	if err != nil {
		return Info{}, err
	}

	args := []string{
		"gateway",
		"--port", strconv.Itoa(port),
		"--bind", "loopback",
		"--token", l.cfg.Token,
	}
	l.log.Info().Str("binary", l.cfg.Binary).Strs("args", Redact(args)).Msg("starting gateway")

	cmd := exec.CommandContext(ctx, l.cfg.Binary, args...)
	cmd.Dir = l.cfg.Dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Info{}, fmt.Errorf("pipe gateway stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Info{}, fmt.Errorf("pipe gateway stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Info{}, fmt.Errorf("start gateway: %w", err)
	}
	go l.relay(stdout, "stdout")
	go l.relay(stderr, "stderr")

	l.cmd = cmd
	l.port = port
	l.url = fmt.Sprintf("ws://127.0.0.1:%d", port)
	return Info{Running: true, Port: port, PID: cmd.Process.Pid, URL: l.url}, nil
}

// Stop kills the gateway process and reaps it. Stopping an already stopped
// launcher is a no-op.
func (l *Launcher) Stop() error {
	l.mu.Lock()
	cmd := l.cmd
	l.cmd = nil
	l.port = 0
	l.url = ""
	l.mu.Unlock()
	if cmd == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		l.log.Warn().Err(err).Msg("kill gateway process")
	}
	_ = cmd.Wait()
	l.log.Info().Msg("gateway stopped")
	return nil
}

// Status reports the managed process state.
func (l *Launcher) Status() Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd == nil {
		return Info{}
	}
	return Info{Running: true, Port: l.port, PID: l.cmd.Process.Pid, URL: l.url}
}

// URL returns the websocket URL of the managed gateway, or the default
// local URL when nothing is running.
func (l *Launcher) URL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.url != "" {
		return l.url
	}
	return fmt.Sprintf("ws://127.0.0.1:%d", DefaultPort)
}

// relay forwards one process output stream to the log.
func (l *Launcher) relay(r io.Reader, stream string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		l.log.Debug().Str("stream", stream).Msg(sc.Text())
	}
}

// Redact replaces the value following --token so command lines can be
// logged without exposing the credential.
func Redact(args []string) []string {
	out := append([]string(nil), args...)
	for i := 1; i < len(out); i++ {
		if out[i-1] == "--token" {
			out[i] = "[REDACTED]"
		}
	}
	return out
}

// resolvePort picks the port to bind: the requested one, else the default
// when free, else any free port.
func resolvePort(requested int) (int, error) {
	if requested != 0 {
		return requested, nil
	}
	if PortAvailable(DefaultPort) {
		return DefaultPort, nil
	}
	return FreePort()
}

// PortAvailable reports whether the loopback port can be bound.
func PortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FreePort asks the kernel for an unused loopback port.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
