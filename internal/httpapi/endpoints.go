package httpapi

import (
	"net/http"

	"pkt.systems/lockgov/api"
	"pkt.systems/lockgov/lang"
	"pkt.systems/pslog"
)

// handleExecute evaluates one lock transaction for a session.
//
// POST /v1/lock/execute with an api.ExecuteRequest body. Aborted, rejected
// and failed transactions still answer 200; the outcome is in the result
// status. Malformed requests answer 400, a draining server 503.
func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, http.MethodPost)
	}
	ctx := r.Context()
	reqBody := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	defer reqBody.Close()
	var payload api.ExecuteRequest
	if err := decodeStrict(reqBody, &payload); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	if len(payload.Transaction) == 0 {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_transaction", Detail: "transaction required"}
	}
	txn, err := lang.DecodeTransaction(payload.Transaction)
	if err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_transaction", Detail: err.Error()}
	}
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	logger = logger.With("txn_id", txn.ID().String(), "session", payload.Session.ID.String())
	logger.Trace("lock.execute.begin", "namespace", txn.Namespace(), "statements", len(txn.Statements()))
	res, err := h.core.ExecuteLockTransaction(ctx, payload.Session, txn)
	if err != nil {
		return convertCoreError(err)
	}
	logger.Debug("lock.execute.done", "status", res.Status, "failed_statement", res.FailedStatement)
	h.writeJSON(w, http.StatusOK, res, nil)
	return nil
}

// handleEndSession ends a session and purges the variables it owns.
//
// POST /v1/lock/end-session with an api.EndSessionRequest body.
func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, http.MethodPost)
	}
	reqBody := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	defer reqBody.Close()
	var payload api.EndSessionRequest
	if err := decodeStrict(reqBody, &payload); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	ended, purged, err := h.core.EndLockSession(r.Context(), payload.SessionID)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.EndSessionResponse{Ended: ended, Purged: purged}, nil)
	return nil
}

// handleStatus reports runtime, trust and registry counters.
//
// GET /v1/lock/status
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	h.writeJSON(w, http.StatusOK, h.core.Status(r.Context()), nil)
	return nil
}

// handleTables snapshots the tables of one namespace.
//
// GET /v1/lock/tables?namespace=<ns>
func (h *Handler) handleTables(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	resp, err := h.core.Tables(r.URL.Query().Get("namespace"))
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleReady answers 503 while the server drains so load balancers stop
// routing new sessions to it.
func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if h.core.ShutdownState().Draining {
		return httpError{Status: http.StatusServiceUnavailable, Code: "shutting_down", Detail: "server is draining", RetryAfter: 1}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}
