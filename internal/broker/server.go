// Package broker implements the connection server: accepting
// WebSocket transports, detecting client platform, driving keep-alive
// liveness, and orchestrating session lifecycle end to end.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kvbridge/kvbridge/internal/buildinfo"
	"github.com/kvbridge/kvbridge/internal/dispatch"
	"github.com/kvbridge/kvbridge/internal/fanout"
	"github.com/kvbridge/kvbridge/internal/protocol"
	"github.com/kvbridge/kvbridge/internal/session"
	"github.com/kvbridge/kvbridge/internal/storage"
)

const keepAliveInterval = 30 * time.Second

// Server is the broker's WebSocket + HTTP front door, grounded on the
// teacher's api.Server.Start/Shutdown shape: same timeout pattern,
// same withLogging middleware style, same route-registration idiom.
type Server struct {
	address string
	port    int
	log     *slog.Logger

	upgrader websocket.Upgrader
	registry *fanout.Registry
	dispatch *dispatch.Dispatcher

	httpServer *http.Server

	mu          sync.Mutex
	connections map[string]*connection
}

// AdapterTable maps a platform string ("browser", "react-native",
// "nodejs", or any other detected value) to the storage.Adapter the
// broker uses for sessions of that platform. Lookup is by exact
// platform name; a platform with no entry gets an ERROR envelope via
// the dispatcher's missing-adapter path.
type AdapterTable map[string]storage.Adapter

// New creates a broker server bound to address:port, dispatching
// through adapters for incoming requests. A nil logger falls back to
// slog.Default().
func New(address string, port int, adapters AdapterTable, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	registry := fanout.New(log)
	resolver := func(p session.Platform) (storage.Adapter, bool) {
		a, ok := adapters[p.String()]
		return a, ok
	}
	return &Server{
		address:     address,
		port:        port,
		log:         log,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		registry:    registry,
		dispatch:    dispatch.New(log, registry, resolver),
		connections: make(map[string]*connection),
	}
}

// Start begins serving and blocks until ctx is cancelled or the server
// errors. Call Shutdown from another goroutine, or cancel ctx, to stop
// it cleanly.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.UpgradeHandler())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go s.sweepLoop(ctx)

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.log.Info("starting broker server", "address", addr, "port", s.port)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Shutdown closes every live connection and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.connections {
		c.Close()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// UpgradeHandler returns the HTTP handler that upgrades a transport to
// a kvbridge session, exported so callers embedding the broker in
// their own mux (or driving it directly in tests) don't need a second
// route-registration path.
func (s *Server) UpgradeHandler() http.HandlerFunc {
	return s.handleWebSocket
}

// handleWebSocket upgrades the transport, detects platform, registers
// the session, and sends the welcome envelope before any other
// server-initiated traffic.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	platform := session.DetectPlatform(r.Header.Get("x-platform"), r.UserAgent())
	clientID := uuid.NewString()

	c := newConnection(conn, s.log, s.registry, platform, clientID)
	c.installPongHandler()

	s.mu.Lock()
	s.connections[clientID] = c
	s.mu.Unlock()

	welcome := protocol.Envelope{
		Type:         protocol.OpConnectionEstablished,
		ClientID:     clientID,
		Platform:     platform.String(),
		Capabilities: platform.Capabilities(),
		Timestamp:    time.Now().UnixMilli(),
	}
	if err := c.session.Send(welcome); err != nil {
		s.log.Warn("failed to queue welcome envelope", "session", clientID, "error", err)
	}

	go c.writeLoop()
	s.log.Info("session accepted", "session", clientID, "platform", platform.String())

	c.readLoop(r.Context(), s.dispatch)

	s.mu.Lock()
	delete(s.connections, clientID)
	s.mu.Unlock()
	s.log.Info("session closed", "session", clientID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.log)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.log)
}

// sweepLoop sweeps every live session every keepAliveInterval,
// structurally grounded on connwatch.Watcher.run's ticker+select loop
// adapted from "probe an external service" to "sweep local sessions":
// a session found already not-alive is torn down; otherwise it is
// marked not-alive and pinged, expecting a pong to revive it before
// the next sweep.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Server) sweepOnce() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.session.Alive() {
			s.log.Warn("session failed keep-alive, closing", "session", c.session.ID)
			c.Close()
			continue
		}
		c.session.SetAlive(false)
		if err := c.sendPing(); err != nil {
			s.log.Warn("ping failed, closing session", "session", c.session.ID, "error", err)
			c.Close()
		}
	}
}
