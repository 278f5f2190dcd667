package wire

// MethodConnect is the handshake method every connection must complete
// before any other request is valid.
const MethodConnect = "connect"

// ProtocolVersion is the single protocol revision this client speaks.
const ProtocolVersion = 3

// ClientInfo identifies the connecting application to the gateway.
type ClientInfo struct {
	ID      string `json:"id"`
	Mode    string `json:"mode"`
	Version string `json:"version"`
}

// ConnectParams is the payload of the connect request.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Token       string     `json:"token,omitempty"`
	Role        string     `json:"role,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
}

// ServerInfo describes the gateway in the connect response.
type ServerInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// ConnectResult is the payload of a successful connect response.
// The server reports its own supported range so the client can verify
// the negotiated value independently.
type ConnectResult struct {
	Protocol    int        `json:"protocol"`
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Server      ServerInfo `json:"server,omitempty"`
}

// Negotiate intersects the two supported ranges. It returns the highest
// mutually supported protocol, or ok=false when the ranges are disjoint.
func Negotiate(clientMin, clientMax, serverMin, serverMax int) (int, bool) {
	lo := clientMin
	if serverMin > lo {
		lo = serverMin
	}
	hi := clientMax
	if serverMax < hi {
		hi = serverMax
	}
	if lo > hi {
		return 0, false
	}
	return hi, true
}
