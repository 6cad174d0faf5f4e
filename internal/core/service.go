package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"pkt.systems/lockgov/api"
	"pkt.systems/lockgov/internal/clock"
	"pkt.systems/lockgov/internal/loggingutil"
	"pkt.systems/lockgov/internal/trust"
	"pkt.systems/lockgov/lang"
	"pkt.systems/lockgov/namespaces"
	"pkt.systems/pslog"
)

// DefaultSessionMaxAge applies when neither the config nor the session data
// bound how long a session may stay idle.
const DefaultSessionMaxAge = 5 * time.Minute

// Service is the transport-agnostic lock engine: namespaces of tables, the
// session registry and transaction evaluation.
type Service struct {
	host     string
	logger   pslog.Logger
	clock    clock.Clock
	uptime   *clock.Uptime
	trust    trust.Assessor
	registry *registry
	sessions *sessions
	metrics  *lockMetrics
	draining atomic.Bool
}

// New constructs the lock engine with sane defaults.
func New(cfg Config) *Service {
	logger := loggingutil.WithSubsystem(cfg.Logger, "lock.engine")
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	assessor := cfg.Trust
	if assessor == nil {
		assessor = trust.Fixed(1)
	}
	maxAge := cfg.DefaultSessionMaxAge
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	s := &Service{
		host:     host,
		logger:   logger,
		clock:    clk,
		uptime:   clock.NewUptime(clk),
		trust:    assessor,
		registry: newRegistry(clk.Now),
		sessions: newSessions(maxAge, cfg.MaxSessionMaxAge),
		metrics:  newLockMetrics(logger),
	}
	s.metrics.registerService(s)
	return s
}

// Host returns the name reported in results.
func (s *Service) Host() string { return s.host }

// SetDraining toggles shutdown mode. While draining, transactions are
// refused with a retryable failure so clients move to the next host.
func (s *Service) SetDraining(draining bool) {
	s.draining.Store(draining)
}

// ShutdownState reports the current shutdown posture.
func (s *Service) ShutdownState() ShutdownState {
	return ShutdownState{Draining: s.draining.Load()}
}

// ExecuteLockTransaction evaluates txn on behalf of session. Aborts, SLA
// rejections and statement failures are reported through the result; the
// returned error is reserved for requests that cannot be evaluated at all
// (invalid session or namespace, server draining).
//
// Statements run in order while the namespace critical section is held. When
// the pass aborts or fails, every mutation it made is rolled back before the
// critical section is released.
func (s *Service) ExecuteLockTransaction(ctx context.Context, session api.LockSessionData, txn *lang.Transaction) (*api.LockTransactionResult, error) {
	if txn == nil {
		return nil, Failure{Code: "invalid_transaction", Detail: "transaction required", HTTPStatus: 400}
	}
	if s.draining.Load() {
		return nil, shuttingDown()
	}
	if err := session.ID.Validate(); err != nil {
		return nil, invalidSession(err)
	}
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	logger = logger.With("txn_id", txn.ID().String(), "session", session.ID.String())

	registered, err := s.sessions.touch(session, s.clock.Now())
	if err != nil {
		logger.Debug("lock.session.ended_refused")
		return nil, sessionEnded(session.ID.String())
	}
	if registered {
		logger.Debug("lock.session.registered", "max_age_seconds", session.MaxAgeSec)
	}

	result := &api.LockTransactionResult{
		TransactionID:        txn.ID().String(),
		ServerHost:           s.host,
		ServerTrustLevel:     s.trust.TrustLevel(ctx),
		ServerRuntimeSec:     s.uptime.Seconds(),
		Status:               api.TransactionOK,
		FailedStatementIndex: -1,
		Data:                 map[string]any{},
	}
	if cause := s.unmetRequirement(txn, result); cause != "" {
		result.Status = api.TransactionRejected
		result.ErrorCause = cause
		logger.Info("lock.txn.rejected", "cause", cause)
		s.metrics.recordTxn(ctx, txn.Namespace(), result.Status, 0, 0)
		return result, nil
	}
	if txn.IsPing() {
		logger.Trace("lock.txn.ping")
		return result, nil
	}

	nsName, err := namespaces.Normalize(txn.Namespace(), "")
	if err != nil {
		return nil, invalidNamespace(err)
	}
	logger = logger.With("namespace", nsName)
	ns := s.registry.get(nsName)

	waitStart := s.clock.Now()
	ns.exec.Lock()
	defer ns.exec.Unlock()
	heldStart := s.clock.Now()
	// Sessions are unregistered before their variables are purged, and the
	// purge of this namespace waits for exec. A session still registered here
	// cannot be purged until this pass is done.
	if !s.sessions.known(session.ID) {
		logger.Debug("lock.session.ended_refused")
		return nil, sessionEnded(session.ID.String())
	}

	ec := newEvalContext(ns, session.ID)
	index, err := s.run(ec, txn.Statements())
	switch {
	case err != nil:
		restored := ec.rollback()
		s.metrics.recordRollback(ctx, nsName, restored)
		result.Status = api.TransactionFailed
		result.ErrorCause = err.Error()
		result.FailedStatementIndex = index
		result.FailedStatement = failedPath(err)
		logger.Warn("lock.txn.failed", "index", index, "error", err, "rolled_back", restored)
	case ec.Aborted():
		restored := ec.rollback()
		s.metrics.recordRollback(ctx, nsName, restored)
		result.Status = api.TransactionAborted
		result.ErrorCause = "aborted at " + ec.AbortPath()
		result.FailedStatement = ec.AbortPath()
		result.FailedStatementIndex = index
		logger.Debug("lock.txn.aborted", "path", ec.AbortPath(), "index", index, "rolled_back", restored)
	default:
		logger.Debug("lock.txn.ok", "mutations", ec.Mutations())
	}
	result.Data = ec.Data()
	s.metrics.recordTxn(ctx, nsName, result.Status, heldStart.Sub(waitStart), s.clock.Now().Sub(heldStart))
	return result, nil
}

func (s *Service) unmetRequirement(txn *lang.Transaction, result *api.LockTransactionResult) string {
	if min := txn.MinimumRequiredRuntimeSec(); result.ServerRuntimeSec < min {
		return fmt.Sprintf("server runtime %ds below required %ds", result.ServerRuntimeSec, min)
	}
	if min := txn.MinimumRequiredTrustLevel(); result.ServerTrustLevel < min {
		return fmt.Sprintf("server trust level %.3f below required %.3f", result.ServerTrustLevel, min)
	}
	return ""
}

// statementError carries the path of the statement that failed.
type statementError struct {
	path string
	err  error
}

func (e *statementError) Error() string { return e.path + ": " + e.err.Error() }
func (e *statementError) Unwrap() error { return e.err }

func failedPath(err error) string {
	if se, ok := err.(*statementError); ok {
		return se.path
	}
	return ""
}

// run prepares then executes statements. It returns the index of the
// statement that aborted or failed, or -1. Panics raised while preparing or
// executing are converted into errors against the statement being handled.
func (s *Service) run(ec *EvalContext, statements []lang.Statement) (index int, err error) {
	index = -1
	current := lang.RootPath
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("lock.txn.panic", "panic", r, "stack", string(debug.Stack()))
			err = &statementError{path: current, err: fmt.Errorf("panic: %v", r)}
		}
	}()
	steps := make([]lang.Step, 0, len(statements))
	for i, st := range statements {
		index, current = i, lang.RootPath+st.TypeName()+"/"
		step, perr := st.PrepareStatement(ec, lang.RootPath)
		if perr != nil {
			var pe *lang.PrepareError
			if errors.As(perr, &pe) {
				return i, &statementError{path: pe.Path, err: pe.Err}
			}
			return i, &statementError{path: current, err: perr}
		}
		steps = append(steps, step)
	}
	index = -1
	for i, step := range steps {
		if ec.Aborted() {
			break
		}
		index, current = i, step.Path()
		if err := step.Execute(ec); err != nil {
			return i, &statementError{path: step.Path(), err: err}
		}
		if ec.Aborted() {
			return i, nil
		}
	}
	return -1, nil
}

// EndLockSession ends a session and removes every variable instance it owns
// in every namespace. It reports whether the session was registered and how
// many instances were removed.
func (s *Service) EndLockSession(ctx context.Context, id api.LockSessionID) (bool, int, error) {
	if err := id.Validate(); err != nil {
		return false, 0, invalidSession(err)
	}
	known := s.sessions.remove(id, s.clock.Now())
	purged := s.purgeSession(id)
	if known {
		s.metrics.recordSessionEnded(ctx, "closed")
	}
	s.logger.Debug("lock.session.ended", "session", id.String(), "known", known, "purged", purged)
	return known, purged, nil
}

func (s *Service) purgeSession(id api.LockSessionID) int {
	purged := 0
	for _, ns := range s.registry.all() {
		ns.exec.Lock()
		purged += ns.purge(func(v api.Variable) bool { return v.Session.Equal(id) })
		ns.exec.Unlock()
	}
	return purged
}

// SessionKnown reports whether id is registered.
func (s *Service) SessionKnown(id api.LockSessionID) bool {
	return s.sessions.known(id)
}

// Status summarises the engine for diagnostics. Variable counts are taken
// between transactions, never mid-pass.
func (s *Service) Status(ctx context.Context) api.StatusResponse {
	vars := 0
	for _, ns := range s.registry.all() {
		ns.exec.Lock()
		for _, t := range ns.tableList() {
			vars += t.Len()
		}
		ns.exec.Unlock()
	}
	return api.StatusResponse{
		Host:        s.host,
		RuntimeSec:  s.uptime.Seconds(),
		TrustLevel:  s.trust.TrustLevel(ctx),
		Sessions:    s.sessions.count(),
		Namespaces:  s.registry.names(),
		Variables:   vars,
		Draining:    s.draining.Load(),
		StartedUnix: s.uptime.Started().Unix(),
	}
}

// Tables snapshots every table of a namespace. The snapshot waits for any
// running transaction so rolled-back mutations are never shown.
func (s *Service) Tables(namespace string) (api.TablesResponse, error) {
	nsName, err := namespaces.Normalize(namespace, "")
	if err != nil {
		return api.TablesResponse{}, invalidNamespace(err)
	}
	resp := api.TablesResponse{Namespace: nsName, Tables: []api.TableSnapshot{}}
	ns, ok := s.registry.lookup(nsName)
	if !ok {
		return resp, nil
	}
	ns.exec.Lock()
	defer ns.exec.Unlock()
	for _, t := range ns.tableList() {
		resp.Tables = append(resp.Tables, t.Snapshot())
	}
	return resp, nil
}
