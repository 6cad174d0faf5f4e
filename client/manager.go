package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"pkt.systems/lockgov/api"
	"pkt.systems/lockgov/internal/loggingutil"
	"pkt.systems/lockgov/lang"
	"pkt.systems/lockgov/topology"
	"pkt.systems/pslog"
)

// ErrSessionClosed is returned when a closed session is used.
var ErrSessionClosed = errors.New("lockgov: session closed")

// Outcome is the value delivered by the async Manager calls.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Manager is the client facade for lock transactions. It validates inputs
// and routes every call through the Hub over the session's server hosts.
// A Manager is safe for concurrent use.
type Manager struct {
	client     *Client
	hub        *Hub
	logger     pslog.Logger
	clientHost string
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithClient overrides the HTTP client.
func WithClient(c *Client) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}

// WithHub overrides the retry hub.
func WithHub(h *Hub) ManagerOption {
	return func(m *Manager) {
		if h != nil {
			m.hub = h
		}
	}
}

// WithManagerLogger sets the manager logger.
func WithManagerLogger(logger pslog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithClientHost sets the host name embedded in session IDs. Defaults to
// os.Hostname.
func WithClientHost(host string) ManagerOption {
	return func(m *Manager) { m.clientHost = strings.TrimSpace(host) }
}

// NewManager builds a Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = loggingutil.WithSubsystem(m.logger, "client.manager")
	if m.client == nil {
		m.client = New(WithLogger(m.logger))
	}
	if m.hub == nil {
		m.hub = NewHub(WithHubLogger(m.logger))
	}
	if m.clientHost == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			m.clientHost = host
		} else {
			m.clientHost = "localhost"
		}
	}
	return m
}

// ClientHost returns the host name embedded in new session IDs.
func (m *Manager) ClientHost() string { return m.clientHost }

// ExecuteLockTransaction submits txn on behalf of session. Aborts, SLA
// rejections and statement failures are reported through the result status;
// an error means no server could evaluate the transaction.
func (m *Manager) ExecuteLockTransaction(ctx context.Context, session *Session, txn *lang.Transaction) (*api.LockTransactionResult, error) {
	if session == nil {
		return nil, errors.New("lockgov: session required")
	}
	if txn == nil {
		return nil, errors.New("lockgov: transaction required")
	}
	if session.Closed() {
		return nil, ErrSessionClosed
	}
	raw, err := txn.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("lockgov: encode transaction: %w", err)
	}
	req := api.ExecuteRequest{Session: session.Data(), Transaction: raw}
	logger := m.logger.With("txn_id", txn.ID().String(), "namespace", txn.Namespace())
	logger.Trace("client.txn.execute", "session", session.ID().String())
	res, err := CallWithRetry(ctx, m.hub, session.ServerHosts(), func(ctx context.Context, host topology.Host) (*api.LockTransactionResult, error) {
		return m.client.Execute(ctx, host.Endpoint, req)
	})
	if err != nil {
		logger.Warn("client.txn.failed", "error", err)
		return nil, err
	}
	logger.Debug("client.txn.done", "status", res.Status, "server", res.ServerHost)
	return res, nil
}

// ExecuteLockTransactionAsync runs ExecuteLockTransaction in a goroutine.
// Cancelling ctx aborts the in-flight request; it does not release a
// namespace the server is already evaluating.
func (m *Manager) ExecuteLockTransactionAsync(ctx context.Context, session *Session, txn *lang.Transaction) <-chan Outcome[*api.LockTransactionResult] {
	out := make(chan Outcome[*api.LockTransactionResult], 1)
	go func() {
		res, err := m.ExecuteLockTransaction(ctx, session, txn)
		out <- Outcome[*api.LockTransactionResult]{Value: res, Err: err}
		close(out)
	}()
	return out
}

// EndLockSession releases session and reports whether the server knew it.
// It shares Session.Close's exactly-once guard: releasing a session a second
// time, by either path, returns ErrSessionClosed.
func (m *Manager) EndLockSession(ctx context.Context, session *Session) (bool, error) {
	if session == nil {
		return false, errors.New("lockgov: session required")
	}
	return session.release(ctx, m)
}

// EndLockSessionAsync runs EndLockSession in a goroutine.
func (m *Manager) EndLockSessionAsync(ctx context.Context, session *Session) <-chan Outcome[bool] {
	out := make(chan Outcome[bool], 1)
	go func() {
		ended, err := m.EndLockSession(ctx, session)
		out <- Outcome[bool]{Value: ended, Err: err}
		close(out)
	}()
	return out
}

func (m *Manager) endLockSession(ctx context.Context, hosts []topology.Host, id api.LockSessionID) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, err
	}
	resp, err := CallWithRetry(ctx, m.hub, hosts, func(ctx context.Context, host topology.Host) (*api.EndSessionResponse, error) {
		return m.client.EndSession(ctx, host.Endpoint, id)
	})
	if err != nil {
		m.logger.Warn("client.session.end_failed", "session", id.String(), "error", err)
		return false, err
	}
	m.logger.Debug("client.session.ended", "session", id.String(), "ended", resp.Ended, "purged", resp.Purged)
	return resp.Ended, nil
}
