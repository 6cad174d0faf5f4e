package lockgov

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/lockgov/client"
	"pkt.systems/lockgov/internal/trust"
	"pkt.systems/lockgov/topology"
	"pkt.systems/pslog"
)

// TestServer wraps a running lockgov.Server with convenient handles for tests.
type TestServer struct {
	Server  *Server
	BaseURL string
	Config  Config

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") ||
						strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewWithOptions(context.Background(), writer, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         level,
	})
	return logger.With("app", "testserver")
}

type testServerOptions struct {
	mutators     []func(*Config)
	serverOpts   []Option
	logger       pslog.Logger
	testTB       testing.TB
	startTimeout time.Duration
}

// TestServerOption customises NewTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfigFunc mutates the default test configuration.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestServerOptions forwards server options such as WithClock.
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// WithTestLogger overrides the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerTB routes server logs through t.Log at debug level.
func WithTestLoggerTB(t testing.TB) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
	}
}

// WithTestStartTimeout bounds how long NewTestServer waits for readiness.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		if d > 0 {
			o.startTimeout = d
		}
	}
}

// NewTestServer starts a loopback server with a fixed full trust level and no
// drain grace so tests shut down promptly.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{startTimeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	cfg := Config{
		Listen:        "127.0.0.1:0",
		ListenProto:   "tcp",
		Host:          "lockgov-test",
		TrustMode:     TrustModeFixed,
		TrustLevel:    1,
		DrainGraceSet: true,
	}
	for _, mut := range options.mutators {
		mut(&cfg)
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, pslog.DebugLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}
	serverOpts := append([]Option{WithLogger(logger)}, options.serverOpts...)
	if cfg.TrustMode == TrustModeFixed {
		serverOpts = append([]Option{WithTrustAssessor(trust.Fixed(cfg.TrustLevel))}, serverOpts...)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	// The server lives until Stop, so the start timeout cancels serverCtx
	// only while readiness is pending.
	serverCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	timer := time.AfterFunc(options.startTimeout, cancel)
	srv, stop, err := StartServer(serverCtx, cfg, serverOpts...)
	if !timer.Stop() && err == nil {
		_ = stop(context.Background())
		err = fmt.Errorf("test server not ready within %s", options.startTimeout)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	baseURL, err := computeBaseURL(srv.Config(), srv.ListenerAddr())
	if err != nil {
		_ = stop(context.Background())
		cancel()
		return nil, err
	}
	return &TestServer{
		Server:  srv,
		BaseURL: baseURL,
		Config:  srv.Config(),
		stop: func(ctx context.Context) error {
			defer cancel()
			return stop(ctx)
		},
	}, nil
}

// StartTestServer starts a test server and registers cleanup with t.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// URL returns the base URL clients should use to reach the server.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil || ts.Server == nil {
		return nil
	}
	return ts.Server.ListenerAddr()
}

// Governor describes the server as a zone governor of regionPath.
func (ts *TestServer) Governor(regionPath string, failover bool) topology.Host {
	return topology.Host{
		Name:       ts.Config.Host,
		Endpoint:   ts.BaseURL,
		RegionPath: topology.NormalizePath(regionPath),
		Failover:   failover,
	}
}

// Topology returns a single-zone topology governed by this server.
func (ts *TestServer) Topology(regionPath string) (*topology.Topology, error) {
	return topology.New([]topology.Zone{{
		Path:      regionPath,
		Governors: []topology.Host{ts.Governor(regionPath, false)},
	}})
}

// NewManager returns a client manager whose retry policy suits tests.
func (ts *TestServer) NewManager(opts ...client.ManagerOption) *client.Manager {
	hub := client.NewHub(client.WithRetryPolicy(client.RetryPolicy{
		Rounds:    1,
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Millisecond,
	}))
	return client.NewManager(append([]client.ManagerOption{client.WithHub(hub)}, opts...)...)
}

func computeBaseURL(cfg Config, addr net.Addr) (string, error) {
	switch cfg.ListenProto {
	case "unix":
		return "", fmt.Errorf("unix listeners have no HTTP base URL")
	default:
		if addr == nil {
			return "", fmt.Errorf("server is not listening")
		}
		return "http://" + addr.String(), nil
	}
}
