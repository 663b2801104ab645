package wire

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/rtnode/internal/fault"
)

// ErrUnknownPeer marks an identity with no live connection.
var ErrUnknownPeer = fault.New(fault.Protocol, "unknown_peer", "")

// Router is the server side Transport: it maps the routing identity
// assigned to each accepted connection back to that connection.
type Router struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{conns: map[string]*Conn{}}
}

// Add registers c under identity. The entry is dropped when c closes.
func (r *Router) Add(identity []byte, c *Conn) {
	key := string(identity)
	r.mu.Lock()
	r.conns[key] = c
	r.mu.Unlock()
	c.onClose = func(*Conn) { r.remove(key, c) }
}

func (r *Router) remove(key string, c *Conn) {
	r.mu.Lock()
	if r.conns[key] == c {
		delete(r.conns, key)
	}
	r.mu.Unlock()
}

// Acquire returns the connection registered as identity.
func (r *Router) Acquire(_ context.Context, identity []byte) (*Conn, error) {
	r.mu.RLock()
	c, ok := r.conns[string(identity)]
	r.mu.RUnlock()
	if !ok || c.Closed() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPeer, identity)
	}
	return c, nil
}

// Recycle closes c when err is set; accepted connections otherwise stay
// registered until their reader ends.
func (r *Router) Recycle(c *Conn, err error) {
	if c != nil && err != nil {
		_ = c.Close()
	}
}

// Len returns the number of registered connections.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every registered connection.
func (r *Router) CloseAll() {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
