package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/lockgov/api"
	"pkt.systems/pslog"
)

type lockMetrics struct {
	txnExecuted     metric.Int64Counter
	txnDuration     metric.Int64Histogram
	lockWait        metric.Int64Histogram
	rolledBack      metric.Int64Counter
	sessionsEnded   metric.Int64Counter
	varsExpired     metric.Int64Counter
	sessionsActive  metric.Int64ObservableGauge
	namespacesTotal metric.Int64ObservableGauge
}

func newLockMetrics(logger pslog.Logger) *lockMetrics {
	meter := otel.Meter("pkt.systems/lockgov/core")
	m := &lockMetrics{}
	var err error

	m.txnExecuted, err = meter.Int64Counter(
		"lockgov.txn.executed",
		metric.WithDescription("Lock transactions evaluated, by status"),
	)
	logMetricInitError(logger, "lockgov.txn.executed", err)

	m.txnDuration, err = meter.Int64Histogram(
		"lockgov.txn.duration_ms",
		metric.WithDescription("Time spent evaluating a lock transaction inside the namespace critical section"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "lockgov.txn.duration_ms", err)

	m.lockWait, err = meter.Int64Histogram(
		"lockgov.namespace.wait_ms",
		metric.WithDescription("Time spent waiting for the namespace critical section"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "lockgov.namespace.wait_ms", err)

	m.rolledBack, err = meter.Int64Counter(
		"lockgov.txn.rolled_back",
		metric.WithDescription("Variables restored after an aborted or failed transaction"),
	)
	logMetricInitError(logger, "lockgov.txn.rolled_back", err)

	m.sessionsEnded, err = meter.Int64Counter(
		"lockgov.sessions.ended",
		metric.WithDescription("Lock sessions ended, by reason"),
	)
	logMetricInitError(logger, "lockgov.sessions.ended", err)

	m.varsExpired, err = meter.Int64Counter(
		"lockgov.vars.expired",
		metric.WithDescription("Variable instances removed by the sweeper"),
	)
	logMetricInitError(logger, "lockgov.vars.expired", err)

	m.sessionsActive, err = meter.Int64ObservableGauge(
		"lockgov.sessions.active",
		metric.WithDescription("Registered lock sessions"),
	)
	logMetricInitError(logger, "lockgov.sessions.active", err)

	m.namespacesTotal, err = meter.Int64ObservableGauge(
		"lockgov.namespaces",
		metric.WithDescription("Namespaces holding tables"),
	)
	logMetricInitError(logger, "lockgov.namespaces", err)

	return m
}

func (m *lockMetrics) registerService(s *Service) {
	if m == nil || m.sessionsActive == nil || m.namespacesTotal == nil {
		return
	}
	meter := otel.Meter("pkt.systems/lockgov/core")
	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(m.sessionsActive, int64(s.sessions.count()))
		o.ObserveInt64(m.namespacesTotal, int64(len(s.registry.names())))
		return nil
	}, m.sessionsActive, m.namespacesTotal); err != nil {
		s.logger.Warn("telemetry.metric.callback_failed", "name", "lockgov.sessions.active", "error", err)
	}
}

func (m *lockMetrics) recordTxn(ctx context.Context, namespace string, status api.Status, wait, held time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("lockgov.namespace", namespace),
		attribute.String("lockgov.status", string(status)),
	)
	if m.txnExecuted != nil {
		m.txnExecuted.Add(ctx, 1, attrs)
	}
	if held > 0 && m.txnDuration != nil {
		m.txnDuration.Record(ctx, held.Milliseconds(), attrs)
	}
	if wait > 0 && m.lockWait != nil {
		m.lockWait.Record(ctx, wait.Milliseconds(), metric.WithAttributes(attribute.String("lockgov.namespace", namespace)))
	}
}

func (m *lockMetrics) recordRollback(ctx context.Context, namespace string, restored int) {
	if m == nil || m.rolledBack == nil || restored <= 0 {
		return
	}
	m.rolledBack.Add(metricContext(ctx), int64(restored), metric.WithAttributes(attribute.String("lockgov.namespace", namespace)))
}

func (m *lockMetrics) recordSessionEnded(ctx context.Context, reason string) {
	if m == nil || m.sessionsEnded == nil {
		return
	}
	m.sessionsEnded.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("lockgov.reason", reason)))
}

func (m *lockMetrics) recordVarsExpired(ctx context.Context, n int) {
	if m == nil || m.varsExpired == nil || n <= 0 {
		return
	}
	m.varsExpired.Add(metricContext(ctx), int64(n))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
