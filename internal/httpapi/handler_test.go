package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/lockgov/api"
	"pkt.systems/lockgov/internal/clock"
	"pkt.systems/lockgov/internal/core"
	"pkt.systems/lockgov/internal/correlation"
	"pkt.systems/lockgov/internal/trust"
	"pkt.systems/lockgov/lang"
)

func newTestHTTPServer(t *testing.T) (*httptest.Server, *core.Service) {
	t.Helper()
	svc := core.New(core.Config{
		Host:  "gov-test",
		Clock: clock.NewManual(time.Unix(1_700_000_000, 0)),
		Trust: trust.Fixed(1),
	})
	handler := New(Config{
		Service:      svc,
		Logger:       pslog.NewStructured(context.Background(), io.Discard),
		JSONMaxBytes: 1 << 20,
	})
	mux := http.NewServeMux()
	handler.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, svc
}

func doJSON(t *testing.T, server *httptest.Server, method, path string, headers map[string]string, body any, out any) int {
	t.Helper()
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		payload = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, server.URL+path, payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func doJSONRaw(t *testing.T, serverURL, path string, raw string) (int, api.ErrorResponse) {
	t.Helper()
	resp, err := http.Post(serverURL+path, "application/json", bytes.NewBufferString(raw))
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var errResp api.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	return resp.StatusCode, errResp
}

func testSession(t *testing.T) api.LockSessionData {
	t.Helper()
	id, err := api.NewLockSessionID("client-a")
	if err != nil {
		t.Fatalf("session id: %v", err)
	}
	return api.LockSessionData{ID: id, Description: "http test"}
}

func executeRequest(t *testing.T, session api.LockSessionData, namespace string, statements ...lang.Statement) api.ExecuteRequest {
	t.Helper()
	txn, err := lang.NewTransaction("http test", namespace, statements)
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	raw, err := txn.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal transaction: %v", err)
	}
	return api.ExecuteRequest{Session: session, Transaction: raw}
}

func mustStatement[T any](v T, err error) func(t *testing.T) T {
	return func(t *testing.T) T {
		t.Helper()
		if err != nil {
			t.Fatalf("statement: %v", err)
		}
		return v
	}
}

func TestExecuteLifecycle(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	session := testSession(t)

	set := mustStatement(lang.NewSetVarOp("MDS-Entry", "facility1:patientA", "open"))(t)
	sel := mustStatement(lang.NewSelectVarValueOp("entry", "MDS-Entry", "facility1:patientA", lang.AbortIfNotFound))(t)
	var res api.LockTransactionResult
	status := doJSON(t, server, http.MethodPost, "/v1/lock/execute", map[string]string{correlation.Header: "cid-42"},
		executeRequest(t, session, "Clinical", set, sel), &res)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !res.Status.OK() || res.ServerHost != "gov-test" || res.FailedStatementIndex != -1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Data["entry"] != "open" {
		t.Fatalf("expected selected value, got %+v", res.Data)
	}

	var tables api.TablesResponse
	if status := doJSON(t, server, http.MethodGet, "/v1/lock/tables?namespace=CLINICAL", nil, nil, &tables); status != http.StatusOK {
		t.Fatalf("tables status %d", status)
	}
	if tables.Namespace != "clinical" || len(tables.Tables) != 1 || len(tables.Tables[0].Variables) != 1 {
		t.Fatalf("unexpected tables: %+v", tables)
	}

	var st api.StatusResponse
	if status := doJSON(t, server, http.MethodGet, "/v1/lock/status", nil, nil, &st); status != http.StatusOK {
		t.Fatalf("status status %d", status)
	}
	if st.Sessions != 1 || st.Variables != 1 || st.Host != "gov-test" {
		t.Fatalf("unexpected status: %+v", st)
	}

	var ended api.EndSessionResponse
	if status := doJSON(t, server, http.MethodPost, "/v1/lock/end-session", nil, api.EndSessionRequest{SessionID: session.ID}, &ended); status != http.StatusOK {
		t.Fatalf("end-session status %d", status)
	}
	if !ended.Ended || ended.Purged != 1 {
		t.Fatalf("unexpected end-session response: %+v", ended)
	}
}

func TestExecuteReportsAbortInBody(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	sel := mustStatement(lang.NewSelectVarValueOp("entry", "MDS-Entry", "missing", lang.AbortIfNotFound))(t)
	var res api.LockTransactionResult
	status := doJSON(t, server, http.MethodPost, "/v1/lock/execute", nil, executeRequest(t, testSession(t), "clinical", sel), &res)
	if status != http.StatusOK {
		t.Fatalf("aborts are results, expected 200, got %d", status)
	}
	if res.Status != api.TransactionAborted || res.FailedStatementIndex != 0 {
		t.Fatalf("expected abort at statement 0, got %+v", res)
	}
}

func TestExecuteRejectsMalformedRequests(t *testing.T) {
	server, _ := newTestHTTPServer(t)

	status, errResp := doJSONRaw(t, server.URL, "/v1/lock/execute", `{"session":{},"transaction":{},"unknown":1}`)
	if status != http.StatusBadRequest || errResp.ErrorCode != "invalid_body" {
		t.Fatalf("expected invalid_body 400, got %d %+v", status, errResp)
	}

	status, errResp = doJSONRaw(t, server.URL, "/v1/lock/execute", `{"session":{}}`)
	if status != http.StatusBadRequest || errResp.ErrorCode != "invalid_transaction" {
		t.Fatalf("expected invalid_transaction 400, got %d %+v", status, errResp)
	}

	status, errResp = doJSONRaw(t, server.URL, "/v1/lock/execute", `{"session":{},"transaction":{"op":"NoSuchOp"}}`)
	if status != http.StatusBadRequest || errResp.ErrorCode != "invalid_transaction" {
		t.Fatalf("expected invalid_transaction 400, got %d %+v", status, errResp)
	}

	set := mustStatement(lang.NewSetVarOp("t", "v", 1))(t)
	req := executeRequest(t, api.LockSessionData{}, "clinical", set)
	var errBody api.ErrorResponse
	if status := doJSON(t, server, http.MethodPost, "/v1/lock/execute", nil, req, &errBody); status != http.StatusBadRequest || errBody.ErrorCode != "invalid_session" {
		t.Fatalf("expected invalid_session 400, got %d %+v", status, errBody)
	}

	if status := doJSON(t, server, http.MethodGet, "/v1/lock/execute", nil, nil, &errBody); status != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", status)
	}
	if status := doJSON(t, server, http.MethodGet, "/v1/lock/tables", nil, nil, &errBody); status != http.StatusBadRequest || errBody.ErrorCode != "invalid_namespace" {
		t.Fatalf("expected invalid_namespace 400, got %d %+v", status, errBody)
	}
}

func TestDrainingAnswersRetryable(t *testing.T) {
	server, svc := newTestHTTPServer(t)
	svc.SetDraining(true)

	set := mustStatement(lang.NewSetVarOp("t", "v", 1))(t)
	req, err := json.Marshal(executeRequest(t, testSession(t), "clinical", set))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(server.URL+"/v1/lock/execute", "application/json", bytes.NewReader(req))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "1" || resp.Header.Get(headerShutdownImminent) != "true" {
		t.Fatalf("expected retry and shutdown headers, got %v", resp.Header)
	}
	var errResp api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errResp.ErrorCode != "shutting_down" || errResp.RetryAfterSeconds != 1 {
		t.Fatalf("unexpected error body: %+v", errResp)
	}

	if status := doJSON(t, server, http.MethodGet, "/readyz", nil, nil, nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503 while draining, got %d", status)
	}
	if status := doJSON(t, server, http.MethodGet, "/healthz", nil, nil, nil); status != http.StatusOK {
		t.Fatalf("expected healthz 200 while draining, got %d", status)
	}
}

func TestCorrelationHeaderEchoed(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	req, _ := http.NewRequest(http.MethodGet, server.URL+"/healthz", nil)
	req.Header.Set(correlation.Header, "cid-7")
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(correlation.Header); got != "cid-7" {
		t.Fatalf("expected echoed correlation id, got %q", got)
	}

	resp, err = server.Client().Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get(correlation.Header) == "" {
		t.Fatalf("expected generated correlation id")
	}
}

func TestConvertCoreError(t *testing.T) {
	err := convertCoreError(core.Failure{Code: "shutting_down", HTTPStatus: http.StatusServiceUnavailable, RetryAfter: 2})
	httpErr, ok := err.(httpError)
	if !ok || httpErr.Status != http.StatusServiceUnavailable || httpErr.RetryAfter != 2 {
		t.Fatalf("unexpected conversion: %#v", err)
	}
	if got := convertCoreError(core.Failure{Code: "x"}).(httpError); got.Status != http.StatusConflict {
		t.Fatalf("expected default conflict status, got %d", got.Status)
	}
	plain := io.ErrUnexpectedEOF
	if convertCoreError(plain) != plain {
		t.Fatalf("non-core errors must pass through")
	}
}

func TestRouterSys(t *testing.T) {
	if got := routerSys("lock.end_session"); got != "api.http.router.lock.end.session" {
		t.Fatalf("unexpected sys %q", got)
	}
	if got := routerSys(""); got != "api.http.router" {
		t.Fatalf("unexpected empty sys %q", got)
	}
}
