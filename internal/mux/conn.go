package mux

import (
	"net"
	"sync"
)

// conn wraps one live socket. Reads are driven by the per-connection read
// loop; writes go through an unbounded pending queue drained by the write
// loop, so a write that would block is buffered, never dropped, and a slow
// worker cannot stall dispatch to other workers.
type conn struct {
	id string
	nc net.Conn

	mu      sync.Mutex
	pending [][]byte
	closed  bool

	wake chan struct{}
	once sync.Once // disconnect notification fires exactly once
}

func newConn(id string, nc net.Conn) *conn {
	return &conn{
		id:   id,
		nc:   nc,
		wake: make(chan struct{}, 1),
	}
}

// enqueue appends raw bytes to the outbound queue and nudges the writer.
func (c *conn) enqueue(raw []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.pending = append(c.pending, raw)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// takePending swaps out the queued writes. Returns nil when the queue is
// empty or the connection is closed.
func (c *conn) takePending() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.pending) == 0 {
		return nil
	}
	out := c.pending
	c.pending = nil
	return out
}

// close shuts the socket down; safe to call from any goroutine and more
// than once.
func (c *conn) close() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}
	_ = c.nc.Close()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
