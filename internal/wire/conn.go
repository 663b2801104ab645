package wire

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is a message connection. Sends are serialized; Recv must be called
// from one goroutine at a time. A failed send closes the connection.
type Conn struct {
	nc           net.Conn
	reader       *Reader
	writeTimeout time.Duration

	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	onClose   func(*Conn)
}

// NewConn wraps nc.
func NewConn(nc net.Conn, limits Limits, writeTimeout time.Duration) *Conn {
	return &Conn{nc: nc, reader: NewReader(nc, limits), writeTimeout: writeTimeout}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	if addr := c.nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Send writes m.
func (c *Conn) Send(m Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := WriteMessage(c.nc, m); err != nil {
		_ = c.Close()
		return fmt.Errorf("wire: send to %s: %w", c.RemoteAddr(), err)
	}
	return nil
}

// Recv reads the next message.
func (c *Conn) Recv() (Message, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.reader.Next()
}

// RecvContext reads the next message, closing the connection when ctx ends
// first.
func (c *Conn) RecvContext(ctx context.Context) (Message, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	m, err := c.Recv()
	if !stop() && err != nil {
		return nil, ctx.Err()
	}
	return m, err
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Close closes the connection once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.nc.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return err
}

// Transport hands out connections for sending. identity selects the
// connection where the transport multiplexes several peers. Recycle returns
// a connection after use; a non-nil err closes it.
type Transport interface {
	Acquire(ctx context.Context, identity []byte) (*Conn, error)
	Recycle(c *Conn, err error)
}
