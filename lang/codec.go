package lang

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// wireNode is the tagged JSON envelope shared by every op. Only the fields
// relevant to Op are populated.
type wireNode struct {
	Op                Kind       `json:"op"`
	Into              string     `json:"into,omitempty"`
	Table             string     `json:"table,omitempty"`
	Var               string     `json:"var,omitempty"`
	Value             any        `json:"value,omitempty"`
	MatchValue        bool       `json:"match_value,omitempty"`
	Description       string     `json:"description,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	AllowDuplicates   bool       `json:"allow_duplicates,omitempty"`
	IgnoreThisSession bool       `json:"ignore_this_session,omitempty"`
	AbortIfNotFound   bool       `json:"abort_if_not_found,omitempty"`
	SelectMany        bool       `json:"select_many,omitempty"`
	Operand           *wireNode  `json:"operand,omitempty"`
	Left              *wireNode  `json:"left,omitempty"`
	Right             *wireNode  `json:"right,omitempty"`
	Then              *wireNode  `json:"then,omitempty"`
	Else              *wireNode  `json:"else,omitempty"`
	Statements        []wireNode `json:"statements,omitempty"`
}

type wireTransaction struct {
	ID                        uuid.UUID  `json:"id"`
	Description               string     `json:"description"`
	Namespace                 string     `json:"namespace"`
	MinimumRequiredRuntimeSec int64      `json:"minimum_required_runtime_seconds,omitempty"`
	MinimumRequiredTrustLevel float64    `json:"minimum_required_trust_level,omitempty"`
	Ping                      bool       `json:"ping,omitempty"`
	Statements                []wireNode `json:"statements,omitempty"`
}

// ErrUnknownOp is returned when decoding meets an unknown or misplaced tag.
var ErrUnknownOp = errors.New("unknown op")

// MarshalJSON encodes the transaction and its statement tree.
func (t *Transaction) MarshalJSON() ([]byte, error) {
	w := wireTransaction{
		ID:                        t.id,
		Description:               t.description,
		Namespace:                 t.namespace,
		MinimumRequiredRuntimeSec: t.minRuntime,
		MinimumRequiredTrustLevel: t.minTrust,
		Ping:                      t.ping,
	}
	for _, st := range t.statements {
		n, err := encodeNode(st)
		if err != nil {
			return nil, err
		}
		w.Statements = append(w.Statements, *n)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a transaction, re-running every constructor so the
// decoded tree satisfies the same invariants as one built in process.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var w wireTransaction
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	if w.ID == uuid.Nil {
		return required("Transaction.id")
	}
	decoded := Transaction{
		id:          w.ID,
		description: w.Description,
		namespace:   w.Namespace,
		minRuntime:  w.MinimumRequiredRuntimeSec,
		minTrust:    w.MinimumRequiredTrustLevel,
		ping:        w.Ping,
	}
	for i := range w.Statements {
		st, err := decodeStatement(&w.Statements[i])
		if err != nil {
			return fmt.Errorf("statement %d: %w", i, err)
		}
		decoded.statements = append(decoded.statements, st)
	}
	if err := decoded.validate(); err != nil {
		return err
	}
	*t = decoded
	return nil
}

// DecodeTransaction parses the JSON form produced by Transaction.MarshalJSON.
func DecodeTransaction(data []byte) (*Transaction, error) {
	var t Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeNode(n Node) (*wireNode, error) {
	w := &wireNode{Op: n.Kind()}
	var err error
	switch op := n.(type) {
	case *ConstOp:
	case *NotOp:
		w.Operand, err = encodeNode(op.operand)
	case *BinaryOp:
		if w.Left, err = encodeNode(op.left); err == nil {
			w.Right, err = encodeNode(op.right)
		}
	case *ExistsVarOp:
		w.Table, w.Var = op.table, op.name
		w.Value, w.MatchValue = op.value, op.matchValue
		w.IgnoreThisSession = op.ignoreThisSession
	case *SetVarOp:
		w.Table, w.Var, w.Value = op.table, op.name, op.value
		w.Description = op.description
		w.AllowDuplicates = op.allowDuplicates
		if !op.expiresAt.IsZero() {
			at := op.expiresAt
			w.ExpiresAt = &at
		}
	case *DeleteVarOp:
		w.Table, w.Var = op.table, op.name
		w.Value, w.MatchValue = op.value, op.matchValue
	case *BlockOp:
		for _, st := range op.statements {
			child, cerr := encodeNode(st)
			if cerr != nil {
				return nil, cerr
			}
			w.Statements = append(w.Statements, *child)
		}
	case *IfOp:
		if w.Operand, err = encodeNode(op.condition); err == nil {
			w.Then, err = encodeNode(op.then)
		}
		if err == nil && op.otherwise != nil {
			w.Else, err = encodeNode(op.otherwise)
		}
	case *AssertOp:
		w.Operand, err = encodeNode(op.operator)
	case *AbortOp:
	case *SelectConstantValueOp:
		w.Into, w.Value = op.into, op.value
	case *SelectOperatorValueOp:
		w.Into = op.into
		w.Operand, err = encodeNode(op.operator)
	case *SelectVarValueOp:
		w.Into, w.Table, w.Var = op.into, op.table, op.name
		w.IgnoreThisSession = op.flags.Has(IgnoreThisSession)
		w.AbortIfNotFound = op.flags.Has(AbortIfNotFound)
		w.SelectMany = op.flags.Has(SelectMany)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOp, n)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func decodeOperator(w *wireNode) (Operator, error) {
	if w == nil {
		return nil, nil
	}
	switch w.Op {
	case KindTrue:
		return TrueOp, nil
	case KindFalse:
		return FalseOp, nil
	case KindNot:
		operand, err := decodeOperator(w.Operand)
		if err != nil {
			return nil, err
		}
		return NewNotOp(operand)
	case KindAnd, KindOr, KindXor:
		left, err := decodeOperator(w.Left)
		if err != nil {
			return nil, err
		}
		right, err := decodeOperator(w.Right)
		if err != nil {
			return nil, err
		}
		return newBinaryOp(w.Op, left, right)
	case KindExistsVar:
		op, err := NewExistsVarOp(w.Table, w.Var, w.IgnoreThisSession)
		if err != nil {
			return nil, err
		}
		if w.MatchValue {
			op = op.WithValue(w.Value)
		}
		return op, nil
	case KindSetVar:
		return decodeSetVar(w)
	case KindDeleteVar:
		return decodeDeleteVar(w)
	}
	return nil, fmt.Errorf("%w: %q is not an operator", ErrUnknownOp, w.Op)
}

func decodeStatement(w *wireNode) (Statement, error) {
	if w == nil {
		return nil, nil
	}
	switch w.Op {
	case KindSetVar:
		return decodeSetVar(w)
	case KindDeleteVar:
		return decodeDeleteVar(w)
	case KindBlock:
		children := make([]Statement, 0, len(w.Statements))
		for i := range w.Statements {
			st, err := decodeStatement(&w.Statements[i])
			if err != nil {
				return nil, err
			}
			children = append(children, st)
		}
		return NewBlockOp(children...)
	case KindIf:
		cond, err := decodeOperator(w.Operand)
		if err != nil {
			return nil, err
		}
		then, err := decodeStatement(w.Then)
		if err != nil {
			return nil, err
		}
		otherwise, err := decodeStatement(w.Else)
		if err != nil {
			return nil, err
		}
		return NewIfOp(cond, then, otherwise)
	case KindAssert:
		operator, err := decodeOperator(w.Operand)
		if err != nil {
			return nil, err
		}
		return NewAssertOp(operator)
	case KindAbort:
		return NewAbortOp(), nil
	case KindSelectConstant:
		return NewSelectConstantValueOp(w.Into, w.Value)
	case KindSelectOperator:
		operator, err := decodeOperator(w.Operand)
		if err != nil {
			return nil, err
		}
		return NewSelectOperatorValueOp(w.Into, operator)
	case KindSelectVar:
		var flags SelectFlags
		if w.IgnoreThisSession {
			flags |= IgnoreThisSession
		}
		if w.AbortIfNotFound {
			flags |= AbortIfNotFound
		}
		if w.SelectMany {
			flags |= SelectMany
		}
		return NewSelectVarValueOp(w.Into, w.Table, w.Var, flags)
	}
	return nil, fmt.Errorf("%w: %q is not a statement", ErrUnknownOp, w.Op)
}

func decodeSetVar(w *wireNode) (*SetVarOp, error) {
	op, err := NewSetVarOp(w.Table, w.Var, w.Value)
	if err != nil {
		return nil, err
	}
	if w.Description != "" {
		op = op.WithDescription(w.Description)
	}
	if w.ExpiresAt != nil {
		op = op.WithExpiry(*w.ExpiresAt)
	}
	if w.AllowDuplicates {
		op = op.WithDuplicates()
	}
	return op, nil
}

func decodeDeleteVar(w *wireNode) (*DeleteVarOp, error) {
	op, err := NewDeleteVarOp(w.Table, w.Var)
	if err != nil {
		return nil, err
	}
	if w.MatchValue {
		op = op.WithValue(w.Value)
	}
	return op, nil
}
