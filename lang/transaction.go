package lang

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// PingNamespace is the namespace carried by ping transactions.
const PingNamespace = "ping"

// PingAnyReliability touches a session on any server regardless of uptime or
// trust level.
var PingAnyReliability = NewPingTransaction(0, 0)

// Transaction is an immutable, named bundle of statements executed atomically
// within one namespace on the server.
type Transaction struct {
	id          uuid.UUID
	description string
	namespace   string
	minRuntime  int64
	minTrust    float64
	ping        bool
	statements  []Statement
}

// TransactionOption customises a transaction at construction.
type TransactionOption func(*Transaction)

// WithMinimumRuntime requires the server to have been up for at least sec
// seconds.
func WithMinimumRuntime(sec int64) TransactionOption {
	return func(t *Transaction) { t.minRuntime = sec }
}

// WithMinimumTrust requires the server's trust level to be at least level.
func WithMinimumTrust(level float64) TransactionOption {
	return func(t *Transaction) { t.minTrust = level }
}

// NewTransaction builds a transaction over one or more statements.
func NewTransaction(description, namespace string, statements []Statement, opts ...TransactionOption) (*Transaction, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("transaction id: %w", err)
	}
	t := &Transaction{
		id:          id,
		description: description,
		namespace:   namespace,
		statements:  append([]Statement(nil), statements...),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// NewPingTransaction builds a statement-less transaction that only touches
// the session.
func NewPingTransaction(minRuntimeSec int64, minTrust float64) *Transaction {
	return &Transaction{
		id:          uuid.Must(uuid.NewV7()),
		description: "ping",
		namespace:   PingNamespace,
		minRuntime:  max(minRuntimeSec, 0),
		minTrust:    min(max(minTrust, 0), 1),
		ping:        true,
	}
}

func (t *Transaction) validate() error {
	if strings.TrimSpace(t.description) == "" {
		return required("Transaction.description")
	}
	if strings.TrimSpace(t.namespace) == "" {
		return required("Transaction.namespace")
	}
	if t.minRuntime < 0 {
		return argError("Transaction.minimumRequiredRuntimeSec", "must not be negative")
	}
	if math.IsNaN(t.minTrust) || t.minTrust < 0 || t.minTrust > 1 {
		return argError("Transaction.minimumRequiredTrustLevel", "must be within 0..1")
	}
	if t.ping {
		if len(t.statements) != 0 {
			return argError("Transaction.statements", "must be empty for ping")
		}
		return nil
	}
	if len(t.statements) == 0 {
		return required("Transaction.statements")
	}
	for _, st := range t.statements {
		if st == nil {
			return argError("Transaction.statements", "must not contain nil")
		}
	}
	return nil
}

func (t *Transaction) ID() uuid.UUID                      { return t.id }
func (t *Transaction) Description() string                { return t.description }
func (t *Transaction) Namespace() string                  { return t.namespace }
func (t *Transaction) MinimumRequiredRuntimeSec() int64   { return t.minRuntime }
func (t *Transaction) MinimumRequiredTrustLevel() float64 { return t.minTrust }
func (t *Transaction) IsPing() bool                       { return t.ping }

// Statements returns a copy of the statement list.
func (t *Transaction) Statements() []Statement {
	return append([]Statement(nil), t.statements...)
}
