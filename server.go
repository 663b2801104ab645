package rtnode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/client"
	"pkt.systems/rtnode/internal/archive"
	"pkt.systems/rtnode/internal/clock"
	"pkt.systems/rtnode/internal/connguard"
	"pkt.systems/rtnode/internal/cryptoutil"
	"pkt.systems/rtnode/internal/invoke"
	"pkt.systems/rtnode/internal/lockset"
	"pkt.systems/rtnode/internal/persist"
	"pkt.systems/rtnode/internal/rtcontext"
	"pkt.systems/rtnode/internal/svcfields"
	"pkt.systems/rtnode/internal/wire"
)

type (
	// Target answers invocations addressed to it.
	Target = invoke.Target
	// Call is one invocation in progress.
	Call = invoke.Call
	// Methods maps method names to handlers.
	Methods = invoke.Methods
	// TargetFunc adapts a function to Target.
	TargetFunc = invoke.TargetFunc
)

// Server is one runtime node: the persistence engine, the local contexts
// and the wire listener that exposes them.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	clock      clock.Clock
	telemetry  *telemetry
	engine     *persist.Engine
	contexts   *rtcontext.Contexts
	resolver   *invoke.Resolver
	dispatcher *invoke.Dispatcher
	wire       *wire.Server
	peer       *client.Client

	mu        sync.Mutex
	listener  net.Listener
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
	stopped   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger   pslog.Logger
	Clock    clock.Clock
	Sandbox  rtcontext.Sandbox
	Listener net.Listener
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithSandbox replaces the document sandbox used by resources and handlers.
func WithSandbox(s rtcontext.Sandbox) Option {
	return func(o *options) {
		o.Sandbox = s
	}
}

// WithListener serves on ln instead of binding cfg.Listen.
func WithListener(ln net.Listener) Option {
	return func(o *options) {
		o.Listener = ln
	}
}

// NewServer opens the data directory, recovers pending transactions and
// prepares the wire listener. Serving starts with Start.
//
//	srv, err := rtnode.NewServer(rtnode.Config{DataDir: "/var/lib/rtnode"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := svcfields.Ensure(o.Logger)
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	lifecycle := svcfields.WithSubsystem(logger, "server.lifecycle")
	ctx := context.Background()

	tel, err := setupTelemetry(ctx, cfg, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		logger:    lifecycle,
		clock:     clk,
		telemetry: tel,
		listener:  o.Listener,
		readyCh:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	fail := func(err error) (*Server, error) {
		s.release(context.Background())
		return nil, err
	}

	var sink archive.Sink
	if cfg.ArchiveURL != "" {
		sink, err = archive.Open(context.Background(), cfg.ArchiveURL, logger)
		if err != nil {
			return fail(err)
		}
		if cfg.ArchiveKeyFile != "" {
			root, created, err := cryptoutil.EnsureRootKeyFile(cfg.ArchiveKeyFile)
			if err != nil {
				return fail(fmt.Errorf("archive key: %w", err))
			}
			if created {
				logger.Info("archive.key.generated", "path", cfg.ArchiveKeyFile)
			}
			sink = archive.NewEncryptingSink(sink, root)
		}
	}
	engineCfg := persist.Config{
		Dir:       cfg.DataDir,
		SlotSize:  cfg.JournalSlotSize,
		SlotCount: cfg.JournalSlotCount,
		Retention: cfg.Retention,
		Checksum:  cfg.Checksum(),
		Locks:     lockset.New(lockset.WithLogger(logger)),
		Logger:    logger,
	}
	if sink != nil {
		engineCfg.Archive = sink
	}
	s.engine, err = persist.Open(ctx, engineCfg)
	if err != nil {
		return fail(fmt.Errorf("open data dir %s: %w", cfg.DataDir, err))
	}
	s.contexts, err = rtcontext.New(rtcontext.Config{
		Engine:        s.engine,
		Sandbox:       o.Sandbox,
		MaxStateBytes: cfg.MaxStateBytes,
		Clock:         clk,
		TaskHistory:   cfg.TaskHistory,
		Node:          cfg.Node,
		Logger:        logger,
	})
	if err != nil {
		return fail(err)
	}
	s.resolver = invoke.NewResolver()
	s.contexts.Bind(s.resolver)

	if cfg.Peer != "" {
		s.peer, err = client.New(cfg.Peer,
			client.WithLogger(logger),
			client.WithCodec(cfg.Codec),
			client.WithMaxIdle(cfg.PeerMaxIdle),
			client.WithDialRetry(cfg.PeerRetry()),
			client.WithLimits(cfg.MaxFrames, cfg.MaxFrameSize),
		)
		if err != nil {
			return fail(fmt.Errorf("peer %s: %w", cfg.Peer, err))
		}
		remote := client.NewRemoteTarget(s.peer)
		for _, kind := range invoke.Kinds() {
			s.resolver.Bind(kind, invoke.Remote, remote)
		}
	}

	s.dispatcher = invoke.NewDispatcher(s.resolver, logger)
	codec, err := wire.CodecByName(cfg.Codec, int64(cfg.MaxFrameSize))
	if err != nil {
		return fail(err)
	}
	s.wire = wire.NewServer(wire.ServerConfig{
		MaxConns:     cfg.MaxConns,
		MaxInFlight:  cfg.MaxInFlight,
		WriteTimeout: cfg.WriteTimeout,
		Limits:       cfg.Limits(),
		Codec:        codec,
		Guard:        connguard.New(cfg.Connguard(), clk, logger),
		Logger:       logger,
	}, s.dispatcher)

	lifecycle.Info("server.init",
		"node", cfg.Node,
		"data_dir", cfg.DataDir,
		"revision", s.engine.Current().String(),
		"retention", s.engine.Retention(),
		"codec", codec.Name(),
		"peer", cfg.Peer,
		"archive", sink != nil,
	)
	return s, nil
}

// Resolver returns the resolver so embedders can register named targets
// before Start.
func (s *Server) Resolver() *invoke.Resolver { return s.resolver }

// Register adds a named target reachable as (typ, name) over the wire.
func (s *Server) Register(typ, name string, target Target) error {
	return s.resolver.Register(typ, name, target)
}

// Engine exposes the persistence engine.
func (s *Server) Engine() *persist.Engine { return s.engine }

// Start begins serving and blocks until the server stops. A clean shutdown
// returns nil.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return wire.ErrClosed
	}
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		var err error
		ln, err = net.Listen(s.cfg.ListenProto, s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
		}
		s.mu.Lock()
		s.listener = ln
		s.mu.Unlock()
	}
	s.logger.Info("listening", "network", s.cfg.ListenProto, "address", ln.Addr().String(), "pid", os.Getpid())
	s.readyOnce.Do(func() { close(s.readyCh) })
	err := s.wire.Serve(ln)
	if errors.Is(err, wire.ErrClosed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("wire serve: %w", err)
	}
	return nil
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound listener address once available.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown ends open subscriptions and scheduled work, drains in-flight
// requests until ctx ends, then closes the data directory. Calling it more
// than once is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	defer close(s.stopped)
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	s.logger.Info("server.shutdown.begin")
	if s.contexts != nil {
		s.contexts.Close()
	}
	var errs []error
	if err := s.wire.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		errs = append(errs, fmt.Errorf("wire shutdown: %w", err))
	} else if err != nil {
		s.logger.Warn("server.shutdown.drain_timeout", "error", err)
	}
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Unlock()
	if s.engine != nil {
		// Entries left here belong to dispatches the drain gave up on.
		s.engine.Locks().LogStatus()
	}
	if err := s.release(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

// release closes everything NewServer opened. It tolerates partially built
// servers.
func (s *Server) release(ctx context.Context) error {
	var errs []error
	if s.contexts != nil && s.wire == nil {
		s.contexts.Close()
	}
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("peer close: %w", err))
		}
	}
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("engine close: %w", err))
		}
	}
	telemetryCtx := ctx
	if telemetryCtx.Err() != nil {
		var cancel context.CancelFunc
		telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StartServer starts a server in the background and waits until it is
// listening. The returned stop function shuts it down and waits for Start to
// return. Cancelling ctx also stops the server.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = wire.ErrClosed
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = stop(context.Background())
			case <-srv.stopped:
			}
		}()
	}
	return srv, stop, nil
}
