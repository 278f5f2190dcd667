package gwclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/helix-app/helix-gateway/internal/config"
	"github.com/helix-app/helix-gateway/wire"
)

// startGateway runs an in-process websocket gateway whose behavior is the
// given serve func, one invocation per accepted connection. It returns the
// ws:// URL to dial.
func startGateway(t *testing.T, serve func(ctx context.Context, c *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()
		serve(context.Background(), c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeFrame(ctx context.Context, c *websocket.Conn, frame any) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}

func answerConnect(ctx context.Context, c *websocket.Conn, id string) error {
	result, _ := json.Marshal(wire.ConnectResult{
		Protocol:    wire.ProtocolVersion,
		MinProtocol: wire.ProtocolVersion,
		MaxProtocol: wire.ProtocolVersion,
		Server:      wire.ServerInfo{Name: "stub", Version: "test"},
	})
	return writeFrame(ctx, c, wire.Response{Type: wire.TypeResponse, ID: id, Result: result})
}

// echoGateway answers the handshake and the health method and ignores
// everything else, including client pings.
func echoGateway(ctx context.Context, c *websocket.Conn) {
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			continue
		}
		req, ok := frame.(wire.Request)
		if !ok {
			continue
		}
		switch req.Method {
		case wire.MethodConnect:
			if err := answerConnect(ctx, c, req.ID); err != nil {
				return
			}
		case "health":
			res := wire.Response{Type: wire.TypeResponse, ID: req.ID, Result: json.RawMessage(`{"status":"ok"}`)}
			if err := writeFrame(ctx, c, res); err != nil {
				return
			}
		}
	}
}

func testConfig(url string) config.ClientConfig {
	cfg := config.Default()
	cfg.ServerURL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffCap = 50 * time.Millisecond
	return cfg
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitState(ctx, StateConnected); err != nil {
		t.Fatalf("client never connected: %v (state %s)", err, c.State())
	}
}

func TestClientConnectAndRequest(t *testing.T) {
	url := startGateway(t, echoGateway)
	c, err := New(testConfig(url))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitConnected(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := c.Request(ctx, "health", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &health); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("health = %+v", health)
	}

	st := c.Status()
	if st.Protocol != wire.ProtocolVersion {
		t.Fatalf("protocol = %d, want %d", st.Protocol, wire.ProtocolVersion)
	}
	if st.Epoch != 1 {
		t.Fatalf("epoch = %d, want 1", st.Epoch)
	}
}

func TestRequestWhileDisconnectedFailsFast(t *testing.T) {
	c, err := New(testConfig("ws://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start := time.Now()
	_, err = c.Request(context.Background(), "health", nil)
	if !wire.IsCode(err, wire.CodeDisconnected) {
		t.Fatalf("err = %v, want DISCONNECTED", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("disconnected request blocked instead of failing fast")
	}
}

func TestProtocolMismatchClosesClient(t *testing.T) {
	url := startGateway(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			frame, err := wire.Decode(data)
			if err != nil {
				continue
			}
			if req, ok := frame.(wire.Request); ok && req.Method == wire.MethodConnect {
				result, _ := json.Marshal(wire.ConnectResult{Protocol: 5, MinProtocol: 4, MaxProtocol: 5})
				if err := writeFrame(ctx, c, wire.Response{Type: wire.TypeResponse, ID: req.ID, Result: result}); err != nil {
					return
				}
			}
		}
	})
	c, err := New(testConfig(url))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()

	errEvents := make(chan json.RawMessage, 1)
	c.On(EventError, func(data json.RawMessage) {
		select {
		case errEvents <- data:
		default:
		}
	})
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitState(ctx, StateClosed); err != nil {
		t.Fatalf("client did not close on protocol mismatch: %v", err)
	}
	select {
	case data := <-errEvents:
		var payload struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("unmarshal error event: %v", err)
		}
		if payload.Code != wire.CodeProtocolMismatch {
			t.Fatalf("error event code = %q", payload.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("no gateway.error event")
	}

	if _, err := c.Request(context.Background(), "health", nil); !wire.IsCode(err, wire.CodeDisconnected) {
		t.Fatalf("request after fatal close: %v, want DISCONNECTED", err)
	}
}

func TestAuthFailureClosesClientWithoutRetry(t *testing.T) {
	var conns atomic.Int32
	url := startGateway(t, func(ctx context.Context, c *websocket.Conn) {
		conns.Add(1)
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			frame, err := wire.Decode(data)
			if err != nil {
				continue
			}
			if req, ok := frame.(wire.Request); ok && req.Method == wire.MethodConnect {
				res := wire.Response{Type: wire.TypeResponse, ID: req.ID, Error: wire.Errorf(wire.CodeAuthFailed, "bad token")}
				if err := writeFrame(ctx, c, res); err != nil {
					return
				}
			}
		}
	})
	c, err := New(testConfig(url))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitState(ctx, StateClosed); err != nil {
		t.Fatalf("client did not close on auth failure: %v", err)
	}
	// No reconnect attempt follows a credential rejection.
	time.Sleep(100 * time.Millisecond)
	if n := conns.Load(); n != 1 {
		t.Fatalf("gateway saw %d connections, want 1", n)
	}
}

func TestServerPushedEvents(t *testing.T) {
	url := startGateway(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			frame, err := wire.Decode(data)
			if err != nil {
				continue
			}
			req, ok := frame.(wire.Request)
			if !ok || req.Method != wire.MethodConnect {
				continue
			}
			if err := answerConnect(ctx, c, req.ID); err != nil {
				return
			}
			ev, _ := wire.NewEvent("chat", map[string]string{"text": "hello"})
			if err := writeFrame(ctx, c, ev); err != nil {
				return
			}
		}
	})
	c, err := New(testConfig(url))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()

	got := make(chan json.RawMessage, 1)
	c.On("chat", func(data json.RawMessage) {
		select {
		case got <- data:
		default:
		}
	})
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitConnected(t, c)

	select {
	case data := <-got:
		var msg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if msg.Text != "hello" {
			t.Fatalf("event payload = %s", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("chat event never delivered")
	}
}

func TestReconnectAfterConnectionDrop(t *testing.T) {
	var conns atomic.Int32
	url := startGateway(t, func(ctx context.Context, c *websocket.Conn) {
		n := conns.Add(1)
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			frame, err := wire.Decode(data)
			if err != nil {
				continue
			}
			req, ok := frame.(wire.Request)
			if !ok {
				continue
			}
			switch req.Method {
			case wire.MethodConnect:
				if err := answerConnect(ctx, c, req.ID); err != nil {
					return
				}
				if n == 1 {
					// First connection dies right after the handshake.
					return
				}
			case "health":
				res := wire.Response{Type: wire.TypeResponse, ID: req.ID, Result: json.RawMessage(`{"status":"ok"}`)}
				if err := writeFrame(ctx, c, res); err != nil {
					return
				}
			}
		}
	})
	c, err := New(testConfig(url))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for c.Status().Epoch < 2 || c.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("client never reconnected: %+v", c.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Request(ctx, "health", nil); err != nil {
		t.Fatalf("request after reconnect: %v", err)
	}
	if n := conns.Load(); n < 2 {
		t.Fatalf("gateway saw %d connections, want >= 2", n)
	}
}

func TestInFlightRequestRejectedOnDrop(t *testing.T) {
	url := startGateway(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			frame, err := wire.Decode(data)
			if err != nil {
				continue
			}
			req, ok := frame.(wire.Request)
			if !ok {
				continue
			}
			switch req.Method {
			case wire.MethodConnect:
				if err := answerConnect(ctx, c, req.ID); err != nil {
					return
				}
			case "slow":
				// Drop the connection with the request still pending.
				return
			}
		}
	})
	cfg := testConfig(url)
	cfg.RequestTimeout = 10 * time.Second
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitConnected(t, c)

	start := time.Now()
	_, err = c.Request(context.Background(), "slow", nil)
	if !wire.IsCode(err, wire.CodeDisconnected) {
		t.Fatalf("err = %v, want DISCONNECTED", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("rejection waited for the request timeout instead of the disconnect")
	}
}

func TestRequestTimeout(t *testing.T) {
	url := startGateway(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			frame, err := wire.Decode(data)
			if err != nil {
				continue
			}
			req, ok := frame.(wire.Request)
			if !ok {
				continue
			}
			if req.Method == wire.MethodConnect {
				if err := answerConnect(ctx, c, req.ID); err != nil {
					return
				}
			}
			// Every other method is read and never answered.
		}
	})
	cfg := testConfig(url)
	cfg.RequestTimeout = 100 * time.Millisecond
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitConnected(t, c)

	_, err = c.Request(context.Background(), "void", nil)
	if !wire.IsCode(err, wire.CodeTimeout) {
		t.Fatalf("err = %v, want TIMEOUT", err)
	}
	if n := c.Status().PendingRequests; n != 0 {
		t.Fatalf("pending = %d after timeout", n)
	}
	// The connection survives a request timeout.
	if c.State() != StateConnected {
		t.Fatalf("state = %s after timeout", c.State())
	}
}

func TestMaxAttemptsClosesClient(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.MaxAttempts = 2
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()

	errEvents := make(chan json.RawMessage, 1)
	c.On(EventError, func(data json.RawMessage) {
		select {
		case errEvents <- data:
		default:
		}
	})
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.WaitState(ctx, StateClosed); err != nil {
		t.Fatalf("client did not give up: %v", err)
	}
	select {
	case data := <-errEvents:
		var payload struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("unmarshal error event: %v", err)
		}
		if payload.Code != wire.CodeConnectionFailed {
			t.Fatalf("error event code = %q", payload.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("no gateway.error event after giving up")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	url := startGateway(t, echoGateway)
	c, err := New(testConfig(url))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitConnected(t, c)

	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s after close", c.State())
	}
	if err := c.Dial(context.Background()); err != ErrClosed {
		t.Fatalf("Dial after Close = %v, want ErrClosed", err)
	}
}

func TestRedialAfterDisconnect(t *testing.T) {
	var conns atomic.Int32
	url := startGateway(t, func(ctx context.Context, c *websocket.Conn) {
		n := conns.Add(1)
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			frame, err := wire.Decode(data)
			if err != nil {
				continue
			}
			req, ok := frame.(wire.Request)
			if !ok {
				continue
			}
			switch req.Method {
			case wire.MethodConnect:
				if err := answerConnect(ctx, c, req.ID); err != nil {
					return
				}
				if n == 1 {
					// First connection dies right after the handshake.
					return
				}
			case "health":
				res := wire.Response{Type: wire.TypeResponse, ID: req.ID, Result: json.RawMessage(`{"status":"ok"}`)}
				if err := writeFrame(ctx, c, res); err != nil {
					return
				}
			}
		}
	})
	cfg := testConfig(url)
	cfg.AutoReconnect = false
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitConnected(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitState(ctx, StateDisconnected); err != nil {
		t.Fatalf("client never settled in Disconnected: %v", err)
	}

	// With reconnection disabled the manager has exited; a fresh Dial
	// starts a new one from Disconnected.
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial from Disconnected: %v", err)
	}
	waitConnected(t, c)
	if got := c.Status().Epoch; got != 2 {
		t.Fatalf("epoch after redial = %d, want 2", got)
	}
	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rcancel()
	if _, err := c.Request(rctx, "health", nil); err != nil {
		t.Fatalf("request after redial: %v", err)
	}
}

func TestCloseWaitsForManagerExit(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.ConnectTimeout = 200 * time.Millisecond
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	// Let the manager enter its dial/backoff cycle.
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if d := time.Since(start); d > 3*time.Second {
		t.Fatalf("Close took %v waiting for the manager", d)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s after Close", c.State())
	}
	if err := c.Dial(context.Background()); err != ErrClosed {
		t.Fatalf("Dial after Close = %v, want ErrClosed", err)
	}
}

func TestNotify(t *testing.T) {
	seen := make(chan string, 8)
	url := startGateway(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			frame, err := wire.Decode(data)
			if err != nil {
				continue
			}
			req, ok := frame.(wire.Request)
			if !ok {
				continue
			}
			if req.Method == wire.MethodConnect {
				if err := answerConnect(ctx, c, req.ID); err != nil {
					return
				}
				continue
			}
			seen <- req.Method
		}
	})
	c, err := New(testConfig(url))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitConnected(t, c)

	if err := c.Notify("log.line", map[string]string{"line": "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	select {
	case method := <-seen:
		if method != "log.line" {
			t.Fatalf("gateway saw method %q", method)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never reached the gateway")
	}

	_ = c.Close()
	if err := c.Notify("log.line", nil); !wire.IsCode(err, wire.CodeDisconnected) {
		t.Fatalf("Notify after close = %v, want DISCONNECTED", err)
	}
}

func TestStatusAndMetricsServers(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := StartStatusServer(ctx, "127.0.0.1:0", c)
	if err != nil {
		t.Fatalf("StartStatusServer: %v", err)
	}
	resp, err := http.Get("http://" + addr + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status = %d", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State != StateDisconnected.String() {
		t.Fatalf("status state = %q", st.State)
	}

	maddr, err := StartMetricsServer(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("StartMetricsServer: %v", err)
	}
	mresp, err := http.Get("http://" + maddr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer mresp.Body.Close()
	if mresp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics = %d", mresp.StatusCode)
	}
}
