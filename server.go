package lockgov

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/lockgov/internal/clock"
	"pkt.systems/lockgov/internal/core"
	"pkt.systems/lockgov/internal/httpapi"
	"pkt.systems/lockgov/internal/loggingutil"
	"pkt.systems/lockgov/internal/trust"
	"pkt.systems/pslog"
)

// Server wraps the HTTP server, the lock engine and supporting components.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	core         *core.Service
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	clock        clock.Clock
	telemetry    *telemetryBundle
	lastServeErr error

	mu          sync.Mutex
	shutdown    bool
	sweeperStop context.CancelFunc
	sweeperDone sync.WaitGroup
	readyOnce   sync.Once
	readyCh     chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
	Trust  trust.Assessor
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

// WithTrustAssessor overrides the trust assessor selected by Config.TrustMode.
func WithTrustAssessor(a trust.Assessor) Option {
	return func(o *options) {
		o.Trust = a
	}
}

// NewServer constructs a lockgov server according to cfg.
// Example:
//
//	cfg := lockgov.Config{Listen: ":9441"}
//	srv, err := lockgov.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	assessor := o.Trust
	if assessor == nil {
		switch cfg.TrustMode {
		case TrustModeFixed:
			assessor = trust.Fixed(cfg.TrustLevel)
		default:
			assessor = trust.NewHostPressure(
				trust.WithClock(serverClock),
				trust.WithTTL(cfg.TrustTTL),
				trust.WithLogger(loggingutil.WithSubsystem(logger, "lock.trust")),
			)
		}
	}

	telemetry, err := setupTelemetry(context.Background(), telemetryConfig{
		otlpEndpoint:   cfg.OTLPEndpoint,
		metricsListen:  cfg.MetricsListen,
		pprofListen:    cfg.PprofListen,
		runtimeMetrics: cfg.EnableProfilingMetrics,
		host:           cfg.Host,
	}, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	svc := core.New(core.Config{
		Host:                 cfg.Host,
		Logger:               logger,
		Clock:                serverClock,
		Trust:                assessor,
		DefaultSessionMaxAge: cfg.DefaultSessionMaxAge,
		MaxSessionMaxAge:     cfg.MaxSessionMaxAge,
	})
	handler := httpapi.New(httpapi.Config{
		Service:           svc,
		Logger:            logger,
		JSONMaxBytes:      cfg.JSONMaxBytes,
		EnableHTTPTracing: cfg.EnableHTTPTracing || cfg.OTLPEndpoint != "",
	})
	mux := http.NewServeMux()
	handler.Register(mux)
	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:       cfg,
		logger:    loggingutil.WithSubsystem(logger, "server"),
		core:      svc,
		handler:   handler,
		httpSrv:   httpSrv,
		clock:     serverClock,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}, nil
}

// Handler returns the underlying HTTP handler so lockgov can be mounted
// inside an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Config returns the validated configuration the server runs with.
func (s *Server) Config() Config {
	return s.cfg
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("server.listening", "network", s.cfg.ListenProto, "address", ln.Addr().String(), "host", s.cfg.Host)
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown drains and stops the server. During DrainGrace new transactions
// are refused with a retryable error so clients fail over to the next host;
// then the HTTP server is shut down. The returned error is nil for clean
// shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	s.core.SetDraining(true)
	if grace := s.cfg.DrainGrace; grace > 0 && s.ListenerAddr() != nil {
		s.logger.Info("server.drain.begin", "grace", grace)
		select {
		case <-s.clock.After(grace):
		case <-ctx.Done():
		}
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	s.stopSweeper()
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	s.logger.Info("server.shutdown.complete")
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// MetricsAddr returns the bound Prometheus listener, or nil when metrics are
// disabled.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.addr("metrics")
}

// Draining reports whether Shutdown has started refusing transactions.
func (s *Server) Draining() bool {
	return s.core.ShutdownState().Draining
}

func (s *Server) startSweeper() {
	if s.cfg.SweeperInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.sweeperStop = cancel
	s.sweeperDone.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		s.core.RunSweeper(ctx, s.cfg.SweeperInterval)
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	cancel := s.sweeperStop
	s.sweeperStop = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.sweeperDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server. It is primarily useful for diagnostics; Shutdown already reports any
// fatal serve/shutdown errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a lockgov server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down. Cancelling ctx
// also stops the server.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("lockgov: server exited before becoming ready")
		}
		return nil, nil, err
	case <-waitCtx.Done():
		_ = srv.Shutdown(context.Background())
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
