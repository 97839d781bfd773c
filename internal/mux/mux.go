// Package mux owns the set of live worker sockets: it accepts connections,
// runs the registration handshake, reassembles complete frames out of
// partial reads, and dispatches decoded messages to a handler. It is
// purely mechanical I/O multiplexing; protocol semantics beyond delimiter
// framing live in the handler.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsgrid/checkfarm/internal/log"
	"github.com/opsgrid/checkfarm/internal/protocol"
)

// ErrUnknownConn means the connection id is not (or no longer) live.
var ErrUnknownConn = errors.New("unknown connection")

const (
	// maxBufferBytes caps a connection's read buffer. A peer that streams
	// this much without a delimiter is framed wrong and gets dropped.
	maxBufferBytes = 1 << 20

	readChunk = 16 * 1024

	defaultHandshakeTimeout = 10 * time.Second
)

// Handler receives decoded protocol traffic. Callbacks for one connection
// are invoked sequentially in arrival order; no ordering is guaranteed
// across different connections.
type Handler interface {
	// OnRegister handles the handshake message. Returning an error rejects
	// the registration: the error text is sent as the reply and the
	// connection is closed.
	OnRegister(connID string, reg *protocol.Registration) error
	// OnFrame delivers one decoded frame from a registered worker.
	OnFrame(connID string, f protocol.Frame)
	// OnDisconnect fires exactly once when a registered connection is lost.
	OnDisconnect(connID string)
}

// Mux multiplexes all worker connections.
type Mux struct {
	handler          Handler
	handshakeTimeout time.Duration
	logger           *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
	wg    sync.WaitGroup
}

// Option adjusts Mux construction.
type Option func(*Mux)

// WithHandshakeTimeout bounds how long a new connection may sit silent
// before its registration must have arrived.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Mux) {
		if d > 0 {
			m.handshakeTimeout = d
		}
	}
}

func New(h Handler, opts ...Option) *Mux {
	m := &Mux{
		handler:          h,
		handshakeTimeout: defaultHandshakeTimeout,
		logger:           log.WithComponent("mux"),
		conns:            make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// Blocking call; it closes every live connection before returning.
func (m *Mux) Serve(ctx context.Context, ln net.Listener) error {
	m.logger.Info("listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var acceptErr error
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			acceptErr = fmt.Errorf("accept: %w", err)
			break
		}
		m.adopt(nc)
	}

	m.closeAll()
	m.wg.Wait()
	if acceptErr != nil {
		return acceptErr
	}
	return ctx.Err()
}

// adopt takes ownership of a freshly accepted socket.
func (m *Mux) adopt(nc net.Conn) {
	c := newConn(uuid.NewString(), nc)

	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()

	m.logger.Debug("connection accepted", "conn", c.id, "remote", nc.RemoteAddr())

	m.wg.Add(2)
	go m.readLoop(c)
	go m.writeLoop(c)
}

// Send frames and queues an outbound message for connID.
func (m *Mux) Send(connID string, f protocol.Frame) error {
	raw, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return m.sendRaw(connID, raw)
}

func (m *Mux) sendRaw(connID string, raw []byte) error {
	m.mu.Lock()
	c := m.conns[connID]
	m.mu.Unlock()
	if c == nil || !c.enqueue(raw) {
		return ErrUnknownConn
	}
	return nil
}

// CloseConn drops one connection. The disconnect callback fires through
// the normal read-loop teardown path.
func (m *Mux) CloseConn(connID string) {
	m.mu.Lock()
	c := m.conns[connID]
	m.mu.Unlock()
	if c != nil {
		c.close()
	}
}

func (m *Mux) closeAll() {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// readLoop drives one connection: handshake first, then framed traffic
// until EOF or a framing violation. Frames are handled synchronously so
// per-connection arrival order is preserved.
func (m *Mux) readLoop(c *conn) {
	defer m.wg.Done()
	defer m.teardown(c)

	registered := false
	buf := make([]byte, 0, readChunk)
	chunk := make([]byte, readChunk)

	_ = c.nc.SetReadDeadline(time.Now().Add(m.handshakeTimeout))

	for {
		n, err := c.nc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var fatal bool
			buf, registered, fatal = m.drain(c, buf, registered)
			if fatal {
				return
			}
			if len(buf) > maxBufferBytes {
				m.logger.Warn("read buffer overflow, dropping connection", "conn", c.id, "buffered", len(buf))
				return
			}
		}
		if err != nil {
			if !c.isClosed() {
				m.logger.Debug("connection read ended", "conn", c.id, "error", err)
			}
			return
		}
	}
}

// drain decodes every complete message currently buffered. Returns the
// remaining bytes, the updated handshake state, and whether the connection
// must be dropped.
func (m *Mux) drain(c *conn, buf []byte, registered bool) ([]byte, bool, bool) {
	for {
		if !registered {
			body, consumed := protocol.NextMessage(buf)
			if consumed == 0 {
				return buf, registered, false
			}
			buf = buf[consumed:]

			if err := m.handshake(c, body); err != nil {
				m.logger.Warn("registration rejected", "conn", c.id, "error", err)
				_ = c.enqueue(protocol.EncodeReply(err.Error()))
				return buf, registered, true
			}
			registered = true
			_ = c.nc.SetReadDeadline(time.Time{})
			_ = c.enqueue(protocol.EncodeReply(protocol.ReplyOK))
			continue
		}

		f, consumed, err := protocol.Decode(buf)
		if consumed == 0 {
			return buf, registered, false
		}
		buf = buf[consumed:]
		if err != nil {
			// Malformed bytes poison only this connection.
			m.logger.Warn("framing violation, dropping connection", "conn", c.id, "error", err)
			return buf, registered, true
		}
		m.handler.OnFrame(c.id, f)
	}
}

func (m *Mux) handshake(c *conn, body []byte) error {
	reg, err := protocol.ParseRegistration(body)
	if err != nil {
		return err
	}
	return m.handler.OnRegister(c.id, reg)
}

// writeLoop flushes queued writes opportunistically.
func (m *Mux) writeLoop(c *conn) {
	defer m.wg.Done()
	for range c.wake {
		for {
			batch := c.takePending()
			if batch == nil {
				break
			}
			for _, raw := range batch {
				if _, err := c.nc.Write(raw); err != nil {
					if !c.isClosed() {
						m.logger.Debug("write failed", "conn", c.id, "error", err)
						c.close()
					}
					return
				}
			}
		}
		if c.isClosed() {
			return
		}
	}
}

// teardown runs once per connection, after its read loop exits. It gives
// the writer a brief chance to flush any queued reply (the registration
// error path), then closes the socket and notifies the handler.
func (m *Mux) teardown(c *conn) {
	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()

	c.once.Do(func() {
		flushThenClose(c)
		m.handler.OnDisconnect(c.id)
	})
}

func flushThenClose(c *conn) {
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		empty := len(c.pending) == 0
		c.mu.Unlock()
		if empty {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.close()
}
