package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single authenticated WebSocket client connection
// with its associated metadata and a write mutex for serializing outbound
// frames. A user may hold several connections (multiple tabs/devices); each
// gets its own connection ID and its own fan-out subscriptions.
type Connection struct {
	ID         string     // connection ID (UUID)
	UserID     string     // authenticated user
	OrgID      string     // organization scope for presence events
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor for epoll lookups
	CreatedAt  time.Time  // when the connection was established
	LastPing   time.Time  // last activity observed from the client
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs,
// file descriptors, and user IDs to their Connection objects.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byFd   map[int]*Connection
	byUser map[string]map[string]*Connection // userID -> connID -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection in all lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	userConns, ok := cm.byUser[conn.UserID]
	if !ok {
		userConns = make(map[string]*Connection)
		cm.byUser[conn.UserID] = userConns
	}
	userConns[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from all lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		if userConns, uok := cm.byUser[conn.UserID]; uok {
			delete(userConns, id)
			if len(userConns) == 0 {
				delete(cm.byUser, conn.UserID)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given connection ID, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// ByUser returns all live connections for a user (empty when offline).
func (cm *ConnectionManager) ByUser(userID string) []*Connection {
	cm.mu.RLock()
	userConns := cm.byUser[userID]
	conns := make([]*Connection, 0, len(userConns))
	for _, conn := range userConns {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// UserConnectionCount returns how many live connections a user holds.
// The user is still online after closing one of several tabs.
func (cm *ConnectionManager) UserConnectionCount(userID string) int {
	cm.mu.RLock()
	n := len(cm.byUser[userID])
	cm.mu.RUnlock()
	return n
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
