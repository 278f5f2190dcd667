// Package gwclient maintains the bidirectional control channel between a
// helix application and its gateway: handshake and protocol negotiation,
// request/response correlation, heartbeat liveness, automatic reconnection
// with exponential backoff, and server-push event fan-out.
//
// Construct one Client at application start and pass it to every feature
// module; all of them share the single connection it owns.
package gwclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/helix-app/helix-gateway/internal/config"
	"github.com/helix-app/helix-gateway/internal/logx"
	"github.com/helix-app/helix-gateway/wire"
)

// Reserved event names the client emits about its own lifecycle, delivered
// through the same dispatcher as server-pushed events.
const (
	EventConnected    = "gateway.connected"
	EventDisconnected = "gateway.disconnected"
	EventError        = "gateway.error"
)

// eventPing is sent by the client every heartbeat interval so an otherwise
// idle gateway has traffic to answer.
const eventPing = "ping"

// ErrClosed is returned once the client has been closed; closed clients are
// not resurrected, construct a fresh one to reconnect.
var ErrClosed = errors.New("gateway client is closed")

const sendQueueSize = 16

// Client owns one logical gateway connection. All methods are safe for
// concurrent use.
type Client struct {
	cfg   config.ClientConfig
	log   zerolog.Logger
	clock Clock

	pending *pendingTable
	events  *dispatcher

	mu          sync.Mutex
	state       ConnState
	stateCh     chan struct{} // closed and replaced on every transition
	epoch       uint64
	protocol    int
	lastErr     error
	reconnects  int
	connectedAt time.Time
	sendCh      chan []byte
	connCtx     context.Context
	hb          *heartbeat
	started     bool
	cancelRun   context.CancelFunc

	// runDone signals the manager goroutine's exit; recreated on every Dial.
	runDone chan struct{}
}

// Option customizes a Client.
type Option func(*Client)

// WithClock substitutes the timer source, for deterministic tests.
func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithLogger substitutes the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New builds a client from cfg. The connection is not dialed until Dial.
func New(cfg config.ClientConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		log:     logx.With("gwclient"),
		clock:   realClock{},
		state:   StateDisconnected,
		stateCh: make(chan struct{}),
		pending: newPendingTable(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events = newDispatcher(c.log)
	return c, nil
}

// Dial starts the connection manager in the background and returns
// immediately. The manager keeps the connection alive until ctx ends or
// Close is called. Use WaitState or the gateway.connected event to learn
// when the first handshake completes. After the manager has parked the
// client in Disconnected (connection lost with reconnection disabled),
// Dial may be called again to start a new manager.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("already dialing")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel
	c.runDone = make(chan struct{})
	done := c.runDone
	c.mu.Unlock()

	go c.run(runCtx, done)
	return nil
}

// Close tears the connection down, cancels every timer, and settles every
// pending request with DISCONNECTED. It is idempotent and irreversible.
// Close waits for the connection manager to exit, so it must not be called
// from inside an event handler.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.transitionLocked(StateClosed)
	cancel := c.cancelRun
	done := c.runDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if n := c.pending.rejectAll(wire.Errorf(wire.CodeDisconnected, "client closed")); n > 0 {
		c.log.Debug().Int("rejected", n).Msg("pending requests rejected on close")
	}
	setPendingMetric(0)
	setConnected(false)
	return nil
}

// Request sends method with params to the gateway and blocks until the
// matching response arrives, the request times out, ctx ends, or the
// connection drops. It fails immediately with DISCONNECTED when the client
// is not connected; nothing is ever queued for replay. Responses are
// matched purely by id, so concurrent callers never block each other.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, wire.Errorf(wire.CodeDisconnected, "not connected to gateway")
	}
	epoch, sendCh, connCtx := c.epoch, c.sendCh, c.connCtx
	c.mu.Unlock()

	req, err := wire.NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	data, err := wire.Encode(req)
	if err != nil {
		return nil, err
	}

	start := c.clock.Now()
	entry := c.pending.insert(req.ID, method, epoch, c.cfg.RequestTimeout, func(m string) {
		requestTimedOut()
		setPendingMetric(c.pending.len())
		c.log.Warn().Str("method", m).Dur("timeout", c.cfg.RequestTimeout).Msg("request timed out")
	})
	setPendingMetric(c.pending.len())

	select {
	case sendCh <- data:
	case <-connCtx.Done():
		// Connection died between the state check and the send; the entry
		// may already be bulk-rejected, reject is a no-op then.
		c.pending.reject(req.ID, wire.Errorf(wire.CodeDisconnected, "connection lost"))
	case <-ctx.Done():
		c.pending.cancel(req.ID)
		setPendingMetric(c.pending.len())
		return nil, ctx.Err()
	}

	select {
	case out := <-entry.done:
		requestSettled(c.clock.Now().Sub(start))
		setPendingMetric(c.pending.len())
		return out.result, out.err
	case <-ctx.Done():
		c.pending.cancel(req.ID)
		setPendingMetric(c.pending.len())
		return nil, ctx.Err()
	}
}

// Notify sends a request frame without registering a waiter. Any response
// the gateway produces is dropped as unmatched.
func (c *Client) Notify(method string, params any) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return wire.Errorf(wire.CodeDisconnected, "not connected to gateway")
	}
	sendCh, connCtx := c.sendCh, c.connCtx
	c.mu.Unlock()

	req, err := wire.NewRequest(method, params)
	if err != nil {
		return err
	}
	data, err := wire.Encode(req)
	if err != nil {
		return err
	}
	select {
	case sendCh <- data:
		return nil
	case <-connCtx.Done():
		return wire.Errorf(wire.CodeDisconnected, "connection lost")
	}
}

// On subscribes handler to the exact event name and returns an unsubscribe
// func. Lifecycle notifications use the reserved gateway.* names.
func (c *Client) On(event string, handler EventHandler) func() {
	return c.events.subscribe(event, handler)
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitState blocks until the client reaches want, the client closes, or
// ctx ends.
func (c *Client) WaitState(ctx context.Context, want ConnState) error {
	for {
		c.mu.Lock()
		cur, ch := c.state, c.stateCh
		c.mu.Unlock()
		if cur == want {
			return nil
		}
		if cur == StateClosed {
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Status returns a snapshot of the client for display and the status
// endpoint.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:           c.state.String(),
		Epoch:           c.epoch,
		Protocol:        c.protocol,
		ServerURL:       c.cfg.ServerURL,
		PendingRequests: c.pending.len(),
		ReconnectCount:  c.reconnects,
		ConnectedAt:     c.connectedAt,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if c.hb != nil {
		st.LastFrameAt = c.hb.last()
	}
	return st
}

// run keeps one connection alive, reconnecting with exponential backoff
// until the context ends, the client closes, or a fatal handshake error
// occurs.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := Backoff{Base: c.cfg.BackoffBase, Cap: c.cfg.BackoffCap}
	for {
		c.setState(StateConnecting)
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return
		}
		if err == nil {
			err = wire.Errorf(wire.CodeDisconnected, "gateway closed the connection")
		}
		c.setLastError(err)
		if wire.Fatal(err) {
			c.failFatal(err)
			return
		}
		if !c.cfg.AutoReconnect {
			c.stopRetrying()
			return
		}
		if connected {
			backoff.Reset()
		}
		if c.cfg.MaxAttempts > 0 && backoff.Attempt() >= c.cfg.MaxAttempts {
			c.failFatal(wire.Errorf(wire.CodeConnectionFailed,
				fmt.Sprintf("giving up after %d reconnect attempts: %v", backoff.Attempt(), err)))
			return
		}
		delay := backoff.Next()
		reconnectAttempted()
		c.bumpReconnects()
		c.log.Warn().Dur("backoff", delay).Err(err).Msg("gateway connection lost; retrying")
		c.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			c.setState(StateClosed)
			return
		case <-c.clock.After(delay):
		}
	}
}

// connectAndServe performs one connection attempt: dial, handshake, then
// serve the read loop until the connection dies. The bool reports whether
// the attempt reached the connected state, which resets the backoff.
func (c *Client) connectAndServe(ctx context.Context) (bool, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(connCtx, c.cfg.ConnectTimeout)
	opts := &websocket.DialOptions{}
	if c.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}}
	}
	ws, _, err := websocket.Dial(dialCtx, c.cfg.ServerURL, opts)
	dialCancel()
	if err != nil {
		return false, wire.Errorf(wire.CodeConnectionFailed, err.Error())
	}
	defer func() {
		_ = ws.Close(websocket.StatusInternalError, "closing")
	}()
	ws.SetReadLimit(1 << 20)

	sendCh := make(chan []byte, sendQueueSize)
	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case msg := <-sendCh:
				if err := ws.Write(connCtx, websocket.MessageText, msg); err != nil {
					cancel()
					return
				}
				frameSent()
			}
		}
	}()

	c.setState(StateHandshaking)
	res, err := c.handshake(connCtx, ws, sendCh)
	if err != nil {
		return false, err
	}
	negotiated, ok := wire.Negotiate(wire.ProtocolVersion, wire.ProtocolVersion, res.MinProtocol, res.MaxProtocol)
	if !ok {
		return false, wire.Errorf(wire.CodeProtocolMismatch,
			fmt.Sprintf("client supports protocol %d, server supports %d..%d",
				wire.ProtocolVersion, res.MinProtocol, res.MaxProtocol))
	}

	hs := newHeartbeat(c.cfg.HeartbeatInterval, c.cfg.TickTimeoutMultiplier, c.clock)
	epoch := c.markConnected(connCtx, sendCh, negotiated, hs)
	c.log.Info().Str("gateway", c.cfg.ServerURL).Int("protocol", negotiated).Uint64("epoch", epoch).Msg("connected to gateway")

	go hs.run(connCtx, func(silence time.Duration) {
		c.log.Error().Dur("silence", silence).Msg("gateway silent past tick timeout")
		c.setLastError(wire.Errorf(wire.CodeConnectionFailed, "heartbeat timeout after "+silence.String()))
		cancel()
	})
	go c.pingLoop(connCtx, sendCh)

	for {
		_, data, err := ws.Read(connCtx)
		if err != nil {
			cancel()
			c.leaveConnected(err)
			return true, wire.Errorf(wire.CodeDisconnected, err.Error())
		}
		frameReceived()
		hs.touch()
		frame, derr := wire.Decode(data)
		if derr != nil {
			c.log.Debug().Err(derr).Msg("dropping malformed frame")
			continue
		}
		switch f := frame.(type) {
		case wire.Response:
			if c.pending.settle(f.ID, epoch, f.Result, f.Error) {
				setPendingMetric(c.pending.len())
			} else {
				c.log.Debug().Str("id", f.ID).Msg("dropping unmatched response")
			}
		case wire.Event:
			c.events.dispatch(f.Event, f.Data)
		case wire.Request:
			c.log.Debug().Str("method", f.Method).Msg("dropping gateway-initiated request")
		}
	}
}

// handshake sends the connect request and reads frames until its response
// arrives. Events received before the handshake completes are dropped.
func (c *Client) handshake(ctx context.Context, ws *websocket.Conn, sendCh chan []byte) (*wire.ConnectResult, error) {
	params := wire.ConnectParams{
		MinProtocol: wire.ProtocolVersion,
		MaxProtocol: wire.ProtocolVersion,
		Client: wire.ClientInfo{
			ID:      c.cfg.ClientID,
			Mode:    c.cfg.ClientMode,
			Version: c.cfg.ClientVersion,
		},
		Token:  c.cfg.Token,
		Role:   c.cfg.Role,
		Scopes: c.cfg.Scopes,
	}
	req, err := wire.NewRequest(wire.MethodConnect, params)
	if err != nil {
		return nil, err
	}
	data, err := wire.Encode(req)
	if err != nil {
		return nil, err
	}
	select {
	case sendCh <- data:
	case <-ctx.Done():
		return nil, wire.Errorf(wire.CodeConnectionFailed, "connection lost during handshake")
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer hsCancel()
	for {
		_, raw, err := ws.Read(hsCtx)
		if err != nil {
			return nil, wire.Errorf(wire.CodeConnectionFailed, "handshake read: "+err.Error())
		}
		frame, derr := wire.Decode(raw)
		if derr != nil {
			c.log.Debug().Err(derr).Msg("dropping malformed frame during handshake")
			continue
		}
		res, ok := frame.(wire.Response)
		if !ok || res.ID != req.ID {
			continue
		}
		if res.Error != nil {
			return nil, res.Error
		}
		var cr wire.ConnectResult
		if err := json.Unmarshal(res.Result, &cr); err != nil {
			return nil, fmt.Errorf("decode connect result: %w", err)
		}
		return &cr, nil
	}
}

// pingLoop emits a ping event every heartbeat interval.
func (c *Client) pingLoop(ctx context.Context, sendCh chan []byte) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			ev, err := wire.NewEvent(eventPing, map[string]int64{"ts": c.clock.Now().Unix()})
			if err != nil {
				return
			}
			data, err := wire.Encode(ev)
			if err != nil {
				return
			}
			select {
			case sendCh <- data:
			case <-ctx.Done():
				return
			}
		}
	}
}

// markConnected starts a new epoch and publishes the connected state.
func (c *Client) markConnected(connCtx context.Context, sendCh chan []byte, protocol int, hs *heartbeat) uint64 {
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.protocol = protocol
	c.connectedAt = c.clock.Now()
	c.sendCh = sendCh
	c.connCtx = connCtx
	c.hb = hs
	c.lastErr = nil
	c.transitionLocked(StateConnected)
	c.mu.Unlock()

	setConnected(true)
	data, _ := json.Marshal(map[string]any{"epoch": epoch, "protocol": protocol})
	c.events.dispatch(EventConnected, data)
	return epoch
}

// leaveConnected bulk-rejects in-flight requests and publishes the
// disconnect, unless the client was explicitly closed.
func (c *Client) leaveConnected(cause error) {
	c.mu.Lock()
	closed := c.state == StateClosed
	if c.state == StateConnected && c.cfg.AutoReconnect {
		c.transitionLocked(StateReconnecting)
	}
	c.mu.Unlock()

	setConnected(false)
	if n := c.pending.rejectAll(wire.Errorf(wire.CodeDisconnected, "connection lost")); n > 0 {
		c.log.Debug().Int("rejected", n).Msg("pending requests rejected on disconnect")
	}
	setPendingMetric(0)
	if !closed {
		data, _ := json.Marshal(map[string]string{
			"code":    wire.CodeDisconnected,
			"message": cause.Error(),
		})
		c.events.dispatch(EventDisconnected, data)
	}
}

// failFatal surfaces a non-retryable error and closes the client.
func (c *Client) failFatal(err error) {
	c.log.Error().Err(err).Msg("fatal gateway error; not retrying")
	c.setLastError(err)
	data, _ := json.Marshal(map[string]string{
		"code":    wire.Code(err),
		"message": err.Error(),
	})
	c.events.dispatch(EventError, data)
	c.setState(StateClosed)
	c.pending.rejectAll(err)
	setPendingMetric(0)
	setConnected(false)
}

// stopRetrying parks the client in Disconnected and releases the dial
// guard in one step, so a caller observing Disconnected can always Dial.
func (c *Client) stopRetrying() {
	c.mu.Lock()
	c.started = false
	c.cancelRun = nil
	c.transitionLocked(StateDisconnected)
	c.mu.Unlock()
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.transitionLocked(s)
	c.mu.Unlock()
}

// transitionLocked applies a state change under c.mu. Closed is terminal.
func (c *Client) transitionLocked(s ConnState) {
	if c.state == s || c.state == StateClosed {
		return
	}
	c.state = s
	close(c.stateCh)
	c.stateCh = make(chan struct{})
	setStateMetric(s)
	c.log.Debug().Str("state", s.String()).Msg("connection state")
}

func (c *Client) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Client) bumpReconnects() {
	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()
}
