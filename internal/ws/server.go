// Package ws implements the realtime push gateway's WebSocket layer:
// authenticated upgrades, connection registry, epoll-driven frame reading
// through a bounded worker pool, and heartbeat eviction of dead peers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/rohanbhuri/bhuri-sap-messaging/internal/apperr"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/auth"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket push gateway built on gobwas/ws and Linux epoll.
// It authenticates upgrades via the auth collaborator, registers connections
// with an epoll instance for I/O readiness notifications, and dispatches
// ready connections to a bounded worker pool for frame reading. The
// request/response API handler is mounted beside /ws so both surfaces share
// one listener.
type Server struct {
	config        ServerConfig
	epoll         *Epoll
	conns         *ConnectionManager
	authenticator auth.Authenticator
	apiHandler    http.Handler                         // request/response surface mounted at "/"
	workerPool    chan struct{}                        // semaphore limiting concurrent read workers
	onMessage     func(conn *Connection, data []byte)  // message handler callback
	onConnect     func(conn *Connection)               // called after a connection is registered
	onDisconnect  func(conn *Connection)               // called when a connection is removed
	onHeartbeat   func(conn *Connection)               // called for each live connection on heartbeat ticks
	connectGate   func(r *http.Request, userID string) bool // pre-upgrade admission check
	httpServer    *http.Server
	done          chan struct{}
	startedAt     time.Time
}

// NewServer creates a Server with the given configuration, authenticator,
// and message callback. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame is received.
func NewServer(config ServerConfig, authenticator auth.Authenticator, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:        config,
		conns:         NewConnectionManager(),
		authenticator: authenticator,
		workerPool:    make(chan struct{}, config.WorkerPoolSize),
		onMessage:     onMessage,
		done:          make(chan struct{}),
	}
}

// SetAPIHandler mounts the request/response HTTP surface on the same
// listener as /ws and /health.
func (s *Server) SetAPIHandler(h http.Handler) {
	s.apiHandler = h
}

// SetOnConnect registers a callback invoked after a connection is
// authenticated and registered (presence, ready message, metrics).
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetOnHeartbeat registers a callback invoked for every live connection on
// each heartbeat tick (used to refresh presence TTLs).
func (s *Server) SetOnHeartbeat(fn func(conn *Connection)) {
	s.onHeartbeat = fn
}

// SetConnectGate registers an admission check that runs after authentication
// but before the upgrade (connection rate limiting). Returning false rejects
// the request with 429.
func (s *Server) SetConnectGate(fn func(r *http.Request, userID string) bool) {
	s.connectGate = fn
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the epoll event loop in
// a background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	if s.apiHandler != nil {
		mux.Handle("/", s.apiHandler)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: gateway listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates and upgrades an HTTP request to a WebSocket
// connection. The client passes its session token as ?token= (browsers
// cannot set headers on WebSocket upgrades) and its organization as ?org=
// for presence scoping.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")
	orgID := r.URL.Query().Get("org")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	userID, err := s.authenticator.UserFromToken(ctx, token)
	cancel()
	if err != nil {
		if errors.Is(err, apperr.ErrUnauthorized) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		} else {
			log.Printf("ws: auth failure: %v", err)
			http.Error(w, "auth unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	if s.connectGate != nil && !s.connectGate(r, userID) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s: %v", userID, err)
		return
	}

	fd := socketFD(conn)
	connID := uuid.New().String()

	c := &Connection{
		ID:        connID,
		UserID:    userID,
		OrgID:     orgID,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	readyMsg, err := protocol.NewServerMessage(protocol.TypeReady, protocol.ReadyMsg{UserID: userID})
	if err != nil {
		log.Printf("ws: failed to build ready message conn=%s: %v", connID, err)
	} else if err := c.WriteMessage(readyMsg); err != nil {
		log.Printf("ws: failed to send ready message conn=%s: %v", connID, err)
	}

	log.Printf("ws: new connection conn=%s user=%s fd=%d (total=%d)", connID, userID, fd, s.conns.Count())
}

// handleHealth responds with the gateway's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed from epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. It is exported so
// that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear write deadline so it doesn't affect future writes.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to
// connection state (heartbeat, presence, handlers).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the gateway: stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down gateway...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		if s.conns.Remove(c.ID) && s.onDisconnect != nil {
			s.onDisconnect(c)
		}
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: gateway stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
