package gwclient

import "time"

// ConnState is the single authoritative connection state, mutated only by
// the client's run loop.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of the client, served by the status
// HTTP endpoint and available to feature modules for display.
type Status struct {
	State           string    `json:"state"`
	Epoch           uint64    `json:"epoch"`
	Protocol        int       `json:"protocol"`
	ServerURL       string    `json:"server_url"`
	PendingRequests int       `json:"pending_requests"`
	ReconnectCount  int       `json:"reconnect_count"`
	LastError       string    `json:"last_error"`
	LastFrameAt     time.Time `json:"last_frame_at"`
	ConnectedAt     time.Time `json:"connected_at"`
}

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

var buildInfo = VersionInfo{Version: "dev", BuildSHA: "unknown", BuildDate: "unknown"}

// SetBuildInfo records version metadata injected at build time.
func SetBuildInfo(version, sha, date string) {
	buildInfo = VersionInfo{Version: version, BuildSHA: sha, BuildDate: date}
}

// GetVersionInfo returns the recorded build metadata.
func GetVersionInfo() VersionInfo { return buildInfo }
