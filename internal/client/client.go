// Package client implements the reconnecting outbound client session:
// request/response correlation by id, a pending-request table with
// timeouts, exponential reconnect backoff, and a local subscription
// table re-established by the application after each reconnect.
//
// Grounded on two teacher files: homeassistant.WSClient (dial,
// sendAndWait, pending map, readLoop dispatch by message type) and
// connwatch's backoff schedule (here internal/reconnect), fused into
// one state machine.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kvbridge/kvbridge/internal/protocol"
	"github.com/kvbridge/kvbridge/internal/reconnect"
)

const (
	connectTimeout = 10 * time.Second
	requestTimeout = 30 * time.Second
)

// UpdateHandler receives a SUBSCRIPTION_UPDATE for a matching pattern.
type UpdateHandler func(collection, key, operation string, value json.RawMessage)

// Notification is delivered on the Client's Events channel.
type Notification struct {
	Event Event
	Err   error // populated for EventError
}

// Config configures a Client. Zero values take the spec's documented
// defaults (reconnect base 5s, max 10 attempts).
type Config struct {
	ServerURL            string
	Platform             string // sent as the x-platform header
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	RequestTimeout       time.Duration
	ConnectTimeout       time.Duration
}

type pendingRequest struct {
	result chan pendingResult
}

type pendingResult struct {
	data json.RawMessage
	err  error
}

// Client is a reconnecting outbound connection to a broker.
type Client struct {
	cfg    Config
	log    *slog.Logger
	backoff reconnect.Config

	connMu sync.Mutex
	conn   *websocket.Conn
	state  atomic.Int32

	reqID   atomic.Int64
	pending sync.Map // int64 -> *pendingRequest

	subsMu sync.Mutex
	subs   map[subKey]UpdateHandler

	events chan Notification

	cleanClose atomic.Bool
}

type subKey struct {
	collection string
	pattern    string
}

// New creates a client ready to Connect. A nil logger falls back to
// slog.Default().
func New(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = requestTimeout
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = connectTimeout
	}
	c := &Client{
		cfg: cfg,
		log: log,
		backoff: reconnect.Config{
			Base:        cfg.ReconnectInterval,
			Multiplier:  1.5,
			MaxAttempts: cfg.MaxReconnectAttempts,
		},
		subs:   make(map[subKey]UpdateHandler),
		events: make(chan Notification, 32),
	}
	c.state.Store(int32(StateIdle))
	return c
}

// Events returns the channel of lifecycle notifications. Delivery is
// non-blocking: when the channel is full the new notification is
// dropped (and logged) rather than stalling the read loop.
func (c *Client) Events() <-chan Notification {
	return c.events
}

// State returns the client's current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) emit(n Notification) {
	select {
	case c.events <- n:
	default:
		c.log.Warn("event channel full, dropping notification", "event", n.Event)
	}
}

// Connect dials the server, waits for CONNECTION_ESTABLISHED, and
// starts the read loop. It fails with a timeout error if the transport
// does not reach the open state within the configured connect timeout.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}

	header := map[string][]string{}
	if c.cfg.Platform != "" {
		header["x-platform"] = []string{c.cfg.Platform}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("Connection timeout: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.cleanClose.Store(false)

	var welcome protocol.Envelope
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != protocol.OpConnectionEstablished {
		conn.Close()
		return fmt.Errorf("expected CONNECTION_ESTABLISHED, got %s", welcome.Type)
	}

	c.setState(StateOpen)
	c.emit(Notification{Event: EventConnected})

	go c.readLoop()

	c.setState(StateReady)
	c.emit(Notification{Event: EventReady})
	return nil
}

// Close performs a clean, application-initiated close (code 1000),
// which the read loop recognizes as not warranting a reconnect.
func (c *Client) Close() error {
	c.setState(StateClosing)
	c.cleanClose.Store(true)

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := c.conn.Close()
	c.setState(StateClosed)
	return err
}

// Subscribe registers a local callback for SUBSCRIPTION_UPDATE
// notifications matching (collection, pattern), and tells the broker
// to start delivering them. Subscriptions are local client state and
// must be re-registered by the caller after each reconnect.
func (c *Client) Subscribe(ctx context.Context, collection, pattern string, handler UpdateHandler) error {
	c.subsMu.Lock()
	c.subs[subKey{collection, pattern}] = handler
	c.subsMu.Unlock()

	_, err := c.request(ctx, protocol.OpSubscribe, map[string]string{
		"collection": collection,
		"pattern":    pattern,
	})
	return err
}

// Unsubscribe removes the local callback and tells the broker to stop
// delivering updates for (collection, pattern).
func (c *Client) Unsubscribe(ctx context.Context, collection, pattern string) error {
	c.subsMu.Lock()
	delete(c.subs, subKey{collection, pattern})
	c.subsMu.Unlock()

	_, err := c.request(ctx, protocol.OpUnsubscribe, map[string]string{
		"collection": collection,
		"pattern":    pattern,
	})
	return err
}

// Ping sends PING and returns the round-trip latency measured locally.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.request(ctx, protocol.OpPing, map[string]any{}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// request assigns a monotonic requestId, registers a pending waiter,
// sends the envelope, and blocks until a response arrives, ctx is
// done, or the request timeout expires — whichever comes first. The
// pending entry has a single owner: whichever of readLoop or the
// timeout branch below removes it first wins; the other is a no-op.
func (c *Client) request(ctx context.Context, op protocol.Opcode, payload any) (json.RawMessage, error) {
	id := c.reqID.Add(1)
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	waiter := &pendingRequest{result: make(chan pendingResult, 1)}
	c.pending.Store(id, waiter)
	defer c.pending.Delete(id)

	env := protocol.Envelope{Type: op, RequestID: &id, Payload: data, Timestamp: time.Now().UnixMilli()}
	if err := c.send(env); err != nil {
		return nil, err
	}

	timeout := c.cfg.RequestTimeout
	select {
	case res := <-waiter.result:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("Request timeout")
	}
}

func (c *Client) send(env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop dispatches inbound envelopes by type until the transport
// closes, then triggers reconnect unless the close was clean.
func (c *Client) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.handleDisconnect()
			return
		}

		switch {
		case env.Type == protocol.OpSubscriptionUpdate:
			c.dispatchUpdate(env)
		case env.Type == protocol.OpError && env.RequestID == nil:
			c.emit(Notification{Event: EventError, Err: fmt.Errorf("%s", env.Error)})
		default:
			c.dispatchResponse(env)
		}
	}
}

func (c *Client) dispatchUpdate(env protocol.Envelope) {
	c.emit(Notification{Event: EventDataUpdate})

	c.subsMu.Lock()
	exact := c.subs[subKey{env.Collection, env.Key}]
	wildcard := c.subs[subKey{env.Collection, "*"}]
	c.subsMu.Unlock()

	if exact != nil {
		exact(env.Collection, env.Key, env.Operation, env.Value)
	}
	if wildcard != nil {
		wildcard(env.Collection, env.Key, env.Operation, env.Value)
	}
}

func (c *Client) dispatchResponse(env protocol.Envelope) {
	if env.RequestID == nil {
		c.log.Debug("dropping envelope with no requestId", "type", env.Type)
		return
	}
	v, ok := c.pending.LoadAndDelete(*env.RequestID)
	if !ok {
		c.log.Debug("unknown requestId, dropping", "requestId", *env.RequestID)
		return
	}
	waiter := v.(*pendingRequest)

	if env.Success != nil && !*env.Success {
		waiter.result <- pendingResult{err: fmt.Errorf("%s", env.Error)}
		return
	}
	waiter.result <- pendingResult{data: env.Data}
}

// handleDisconnect fails every pending request immediately (they are
// not replayed) and either stops (clean close) or starts the
// reconnect loop (unclean close).
func (c *Client) handleDisconnect() {
	c.pending.Range(func(key, value any) bool {
		waiter := value.(*pendingRequest)
		waiter.result <- pendingResult{err: fmt.Errorf("disconnected")}
		c.pending.Delete(key)
		return true
	})

	if c.cleanClose.Load() {
		c.setState(StateClosed)
		return
	}

	c.setState(StateClosed)
	c.emit(Notification{Event: EventDisconnected})
	go c.reconnectLoop()
}

// reconnectLoop retries Connect with the configured backoff schedule
// until it succeeds or the attempt budget is exhausted.
func (c *Client) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		if c.backoff.Exhausted(attempt) {
			c.emit(Notification{Event: EventMaxReconnectAttemptsReached})
			return
		}

		time.Sleep(c.backoff.Delay(attempt))

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}
