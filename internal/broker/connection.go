package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kvbridge/kvbridge/internal/dispatch"
	"github.com/kvbridge/kvbridge/internal/fanout"
	"github.com/kvbridge/kvbridge/internal/protocol"
	"github.com/kvbridge/kvbridge/internal/session"
)

// outboundQueueSize bounds the per-connection outbound buffer used by
// the single writer goroutine. A full queue means the peer is slow or
// gone; the fan-out path drops rather than blocks.
const outboundQueueSize = 64

// connection owns one live WebSocket and the single writer goroutine
// that drains its outbound queue, matching the teacher's single
// connMu-guarded conn pattern generalized to a dedicated writer so
// Session.Send never blocks the fan-out or dispatch paths.
type connection struct {
	conn     *websocket.Conn
	session  *session.Session
	log      *slog.Logger
	registry *fanout.Registry
	outbound chan protocol.Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(conn *websocket.Conn, log *slog.Logger, registry *fanout.Registry, platform session.Platform, clientID string) *connection {
	c := &connection{
		conn:     conn,
		log:      log,
		registry: registry,
		outbound: make(chan protocol.Envelope, outboundQueueSize),
		done:     make(chan struct{}),
	}
	c.session = session.New(clientID, platform, c.enqueue)
	return c
}

// enqueue is the session.Sender hook: a non-blocking push onto the
// outbound queue. A full queue means the peer cannot keep up; the send
// is dropped and logged rather than stalling the caller.
func (c *connection) enqueue(env protocol.Envelope) error {
	select {
	case c.outbound <- env:
		return nil
	default:
		c.log.Warn("dropping outbound envelope, queue full", "session", c.session.ID, "type", env.Type, "queueDepth", len(c.outbound))
		return errQueueFull
	}
}

var errQueueFull = &queueFullError{}

type queueFullError struct{}

func (*queueFullError) Error() string { return "outbound queue full" }

// writeLoop drains the outbound queue until done is closed.
func (c *connection) writeLoop() {
	for {
		select {
		case env := <-c.outbound:
			data, err := env.Encode()
			if err != nil {
				c.log.Error("failed to encode outbound envelope", "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("write failed, closing connection", "session", c.session.ID, "error", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop reads frames until the connection closes, decoding and
// dispatching each to d. Malformed JSON is logged and dropped without
// closing the connection, per the codec's decode-failure contract.
func (c *connection) readLoop(ctx context.Context, d *dispatch.Dispatcher) {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("unexpected close", "session", c.session.ID, "error", err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", "session", c.session.ID, "error", err)
			continue
		}

		resp := d.Handle(ctx, c.session, env)
		if err := c.session.Send(resp); err != nil {
			c.log.Warn("failed to queue response", "session", c.session.ID, "error", err)
		}
	}
}

// installPongHandler is the per-connection half of the keep-alive
// sweep: it installs a pong handler that marks the session alive, so a
// session pinged by sweepOnce survives the next sweep.
func (c *connection) installPongHandler() {
	c.conn.SetPongHandler(func(string) error {
		c.session.SetAlive(true)
		return nil
	})
}

func (c *connection) sendPing() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// Close tears the connection down exactly once: closes the socket,
// purges the session from the fan-out registry, and stops writeLoop.
func (c *connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.registry.RemoveSession(c.session)
	})
}
