package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/lockgov/api"
	"pkt.systems/lockgov/internal/core"
	"pkt.systems/lockgov/internal/correlation"
	"pkt.systems/lockgov/internal/loggingutil"
	"pkt.systems/pslog"
)

// DefaultJSONMaxBytes bounds request bodies when Config.JSONMaxBytes is unset.
const DefaultJSONMaxBytes = 1 << 20

const headerShutdownImminent = "Shutdown-Imminent"

// Config wires the HTTP adapter to the lock engine.
type Config struct {
	Service *core.Service
	Logger  pslog.Logger
	// JSONMaxBytes bounds the size of request bodies.
	JSONMaxBytes int64
	// EnableHTTPTracing wraps every route in otelhttp and starts an internal
	// span per request.
	EnableHTTPTracing bool
	// ActivityHook is invoked at the start of every request.
	ActivityHook func()
}

// Handler serves the lockgov HTTP API.
type Handler struct {
	core               *core.Service
	logger             pslog.Logger
	jsonMaxBytes       int64
	tracer             trace.Tracer
	httpTracingEnabled bool
	activityHook       func()
}

// New builds a Handler. cfg.Service is required.
func New(cfg Config) *Handler {
	limit := cfg.JSONMaxBytes
	if limit <= 0 {
		limit = DefaultJSONMaxBytes
	}
	return &Handler{
		core:               cfg.Service,
		logger:             loggingutil.EnsureLogger(cfg.Logger),
		jsonMaxBytes:       limit,
		tracer:             otel.Tracer("pkt.systems/lockgov/httpapi"),
		httpTracingEnabled: cfg.EnableHTTPTracing,
		activityHook:       cfg.ActivityHook,
	}
}

// Register wires the routes under /v1 and health endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/lock/execute", h.wrap("lock.execute", h.handleExecute))
	mux.Handle("/v1/lock/end-session", h.wrap("lock.end_session", h.handleEndSession))
	mux.Handle("/v1/lock/status", h.wrap("lock.status", h.handleStatus))
	mux.Handle("/v1/lock/tables", h.wrap("lock.tables", h.handleTables))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "lockgov.http." + operation
	txSpanName := "lockgov.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		if h.activityHook != nil {
			h.activityHook()
		}
		reqID := xid.New().String()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("lockgov.sys", sys),
					attribute.String("lockgov.operation", operation),
					attribute.String("lockgov.route", r.URL.Path),
				),
			)
			defer span.End()
		}

		cid := correlation.FromRequest(r)
		ctx = correlation.With(ctx, cid)
		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"cid", cid,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		if instrument {
			span.SetAttributes(attribute.String("lockgov.correlation_id", cid))
		}
		w.Header().Set(correlation.Header, cid)
		if h.core != nil && h.core.ShutdownState().Draining {
			w.Header().Set(headerShutdownImminent, "true")
		}
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			if instrument {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
				var httpErr httpError
				if errors.As(convertCoreError(err), &httpErr) {
					span.SetAttributes(
						attribute.String("lockgov.error_code", httpErr.Code),
						attribute.Int("lockgov.error_status", httpErr.Status),
					)
				}
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		if instrument {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName)
}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(convertCoreError(err), &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"retry_after", httpErr.RetryAfter,
		)
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Detail:            httpErr.Detail,
			RetryAfterSeconds: httpErr.RetryAfter,
		}, headers)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

// convertCoreError maps transport-neutral core failures onto HTTP-aware errors.
func convertCoreError(err error) error {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	var failure core.Failure
	if errors.As(err, &failure) {
		status := failure.HTTPStatus
		if status == 0 {
			status = http.StatusConflict
		}
		return httpError{
			Status:     status,
			Code:       failure.Code,
			Detail:     failure.Detail,
			RetryAfter: failure.RetryAfter,
		}
	}
	return err
}

func methodNotAllowed(w http.ResponseWriter, allow string) error {
	w.Header().Set("Allow", allow)
	return httpError{
		Status: http.StatusMethodNotAllowed,
		Code:   "method_not_allowed",
		Detail: "supported methods: " + allow,
	}
}
