package wire

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/semaphore"
	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/connguard"
	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/invoke"
	"pkt.systems/rtnode/internal/svcfields"
)

const (
	// DefaultMaxInFlight bounds concurrent dispatches across connections.
	DefaultMaxInFlight = 256
	// DefaultWriteTimeout bounds one response write.
	DefaultWriteTimeout = 10 * time.Second
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// MaxConns caps accepted connections. Zero is unlimited.
	MaxConns     int
	MaxInFlight  int64
	WriteTimeout time.Duration
	Limits       Limits
	Codec        Codec
	Guard        *connguard.Guard
	Logger       pslog.Logger
}

// Server accepts wire connections and feeds their requests to a
// RemoteDispatcher. Each accepted connection gets a fresh routing identity.
type Server struct {
	cfg        ServerConfig
	router     *Router
	dispatcher *RemoteDispatcher
	sem        *semaphore.Weighted
	logger     pslog.Logger
	metrics    *metrics

	base     context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	ln       net.Listener
	shutdown atomic.Bool
	conns    sync.WaitGroup
	inflight sync.WaitGroup
}

// NewServer returns a server dispatching to local.
func NewServer(cfg ServerConfig, local *invoke.Dispatcher) *Server {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "wire.server")
	router := NewRouter()
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		router:     router,
		dispatcher: NewRemoteDispatcher(local, cfg.Codec, router, cfg.Limits, cfg.Logger),
		sem:        semaphore.NewWeighted(cfg.MaxInFlight),
		logger:     logger,
		metrics:    newMetrics(logger),
		base:       base,
		cancel:     cancel,
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Listen binds addr and serves it in the background.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.Serve(ln); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.Error("wire.server.serve_failed", "error", err)
		}
	}()
	return nil
}

// Serve accepts connections on ln until Shutdown. It returns ErrClosed
// after a shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	ln = s.cfg.Guard.Wrap(ln)
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("wire.server.listening", "addr", ln.Addr().String(), "codec", s.cfg.Codec.Name())

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return ErrClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.logger.Warn("wire.server.accept_retry", "error", err, "delay", backoff)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		s.conns.Add(1)
		go s.serveConn(nc)
	}
}

func (s *Server) serveConn(nc net.Conn) {
	defer s.conns.Done()
	identity := xid.New()
	conn := NewConn(nc, s.cfg.Limits, s.cfg.WriteTimeout)
	remote := conn.RemoteAddr()
	logger := s.logger.With(svcfields.PeerKey, remote, "conn", identity.String())
	s.router.Add([]byte(identity.String()), conn)
	ctx, cancel := context.WithCancel(s.base)
	s.metrics.connection(ctx, 1)
	defer func() {
		cancel()
		_ = conn.Close()
		s.metrics.connection(context.Background(), -1)
		logger.Debug("wire.server.conn.closed")
	}()
	logger.Debug("wire.server.conn.accepted")

	for {
		m, err := conn.RecvContext(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, ErrClosed), s.shutdown.Load():
			case fault.IsKind(err, fault.Protocol):
				logger.Warn("wire.server.conn.protocol_error", "error", err)
				s.cfg.Guard.Report(remote, "frame_limit")
			default:
				logger.Debug("wire.server.conn.read_failed", "error", err)
			}
			return
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		s.inflight.Add(1)
		go func(m Message) {
			defer s.inflight.Done()
			defer s.sem.Release(1)
			if err := s.dispatcher.Handle(ctx, m.PushIdentity([]byte(identity.String()))); err != nil {
				logger.Warn("wire.server.conn.bad_envelope", "error", err)
				if s.cfg.Guard.Report(remote, "bad_envelope") {
					_ = conn.Close()
				}
			}
		}(m)
	}
}

// Connections returns the number of open connections.
func (s *Server) Connections() int { return s.router.Len() }

// Shutdown stops accepting, waits for in-flight dispatches until ctx ends,
// then closes every connection. Subscriptions still holding async parts
// see their connection context cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("wire.server.drain_timeout", "error", err)
	}
	s.cancel()
	s.router.CloseAll()
	s.conns.Wait()
	s.logger.Info("wire.server.stopped")
	return err
}
