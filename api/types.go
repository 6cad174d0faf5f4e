package api

import "encoding/json"

// Status is the terminal outcome of a lock transaction.
type Status string

const (
	// TransactionOK means every statement ran and all mutations were applied.
	TransactionOK Status = "ok"
	// TransactionAborted means a statement aborted the pass. No mutation of
	// the transaction is visible.
	TransactionAborted Status = "aborted"
	// TransactionRejected means the server did not meet the minimum runtime or
	// trust level required. No statement was executed.
	TransactionRejected Status = "rejected"
	// TransactionFailed means a statement raised an error. No mutation of the
	// transaction is visible.
	TransactionFailed Status = "failed"
)

// OK reports whether s is TransactionOK.
func (s Status) OK() bool { return s == TransactionOK }

// ExecuteRequest models POST /v1/lock/execute. Transaction carries the
// tagged JSON encoding of a lang.Transaction.
type ExecuteRequest struct {
	Session     LockSessionData `json:"session"`
	Transaction json.RawMessage `json:"transaction"`
}

// LockTransactionResult is returned for every executed transaction, including
// those that were aborted, rejected or failed.
type LockTransactionResult struct {
	// TransactionID echoes the transaction identifier.
	TransactionID string `json:"transaction_id"`
	// ServerHost names the host that evaluated the transaction.
	ServerHost string `json:"server_host"`
	// ServerTrustLevel is the host's self-assessed trust at evaluation time.
	ServerTrustLevel float64 `json:"server_trust_level"`
	// ServerRuntimeSec is the host uptime at evaluation time.
	ServerRuntimeSec int64 `json:"server_runtime_seconds"`
	// Status is the terminal outcome.
	Status Status `json:"status"`
	// ErrorCause describes why the transaction did not complete.
	ErrorCause string `json:"error_cause,omitempty"`
	// FailedStatement is the path of the node that aborted or failed.
	FailedStatement string `json:"failed_statement,omitempty"`
	// FailedStatementIndex is the index of the top-level statement that aborted
	// or failed, -1 when no statement is to blame.
	FailedStatementIndex int `json:"failed_statement_index"`
	// Data is the output bag populated by select statements.
	Data map[string]any `json:"data,omitempty"`
}

// Variable is one session-owned instance of a named variable.
type Variable struct {
	Name        string        `json:"name"`
	Value       any           `json:"value"`
	Session     LockSessionID `json:"session"`
	Description string        `json:"description,omitempty"`
	// SetAtUnix is when the instance was last written (Unix nanoseconds).
	SetAtUnix int64 `json:"set_at_unix_nano"`
	// ExpiresAtUnix is when the instance expires (Unix seconds), zero for never.
	ExpiresAtUnix int64 `json:"expires_at_unix,omitempty"`
}

// TableSnapshot lists the variables held by one table.
type TableSnapshot struct {
	Name      string     `json:"name"`
	Variables []Variable `json:"variables"`
}

// TablesResponse models GET /v1/lock/tables.
type TablesResponse struct {
	Namespace string          `json:"namespace"`
	Tables    []TableSnapshot `json:"tables"`
}

// StatusResponse models GET /v1/lock/status.
type StatusResponse struct {
	Host        string   `json:"host"`
	RuntimeSec  int64    `json:"runtime_seconds"`
	TrustLevel  float64  `json:"trust_level"`
	Sessions    int      `json:"sessions"`
	Namespaces  []string `json:"namespaces"`
	Variables   int      `json:"variables"`
	Draining    bool     `json:"draining,omitempty"`
	StartedUnix int64    `json:"started_unix"`
}

// ErrorResponse is the JSON error envelope returned by the server.
type ErrorResponse struct {
	// ErrorCode is the stable error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}
