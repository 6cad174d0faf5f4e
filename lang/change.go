package lang

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"pkt.systems/lockgov/api"
)

// ExistsVarOp is true when a table holds the variable, optionally with a
// specific value.
type ExistsVarOp struct {
	table             string
	name              string
	value             any
	matchValue        bool
	ignoreThisSession bool
}

// NewExistsVarOp builds an existence check for table/name. When
// ignoreThisSession is true only instances owned by other sessions count.
func NewExistsVarOp(table, name string, ignoreThisSession bool) (*ExistsVarOp, error) {
	if err := requireTableVar("ExistsVarOp", table, name); err != nil {
		return nil, err
	}
	return &ExistsVarOp{table: table, name: name, ignoreThisSession: ignoreThisSession}, nil
}

// WithValue returns a copy that only matches instances holding value.
func (o *ExistsVarOp) WithValue(value any) *ExistsVarOp {
	cp := *o
	cp.value = value
	cp.matchValue = true
	return &cp
}

func (o *ExistsVarOp) Table() string    { return o.table }
func (o *ExistsVarOp) Var() string      { return o.name }
func (o *ExistsVarOp) Kind() Kind       { return KindExistsVar }
func (o *ExistsVarOp) TypeName() string { return "ExistsVarOp" }
func (*ExistsVarOp) isOperator()        {}

func (o *ExistsVarOp) PrepareOperator(env Env, parentPath string) (Predicate, error) {
	path := childPath(parentPath, o)
	table, err := resolveTable(env, o.table, path)
	if err != nil {
		return nil, err
	}
	return &existsPredicate{op: o, path: path, table: table}, nil
}

type existsPredicate struct {
	op    *ExistsVarOp
	path  string
	table Table
}

func (p *existsPredicate) Path() string { return p.path }

func (p *existsPredicate) Evaluate(env Env) (bool, error) {
	vars := p.table.Get(env.Session(), p.op.name, p.op.ignoreThisSession, p.op.matchValue)
	if !p.op.matchValue {
		return len(vars) > 0, nil
	}
	for _, v := range vars {
		if ValuesEqual(v.Value, p.op.value) {
			return true, nil
		}
	}
	return false, nil
}

// SetVarOp sets the caller session's instance of a variable. It is both an
// operator (true when the write happened) and a statement.
type SetVarOp struct {
	table           string
	name            string
	value           any
	description     string
	expiresAt       time.Time
	allowDuplicates bool
}

// NewSetVarOp builds a change setting table/name to value.
func NewSetVarOp(table, name string, value any) (*SetVarOp, error) {
	if err := requireTableVar("SetVarOp", table, name); err != nil {
		return nil, err
	}
	return &SetVarOp{table: table, name: name, value: value}, nil
}

// WithDescription returns a copy carrying a description for the instance.
func (o *SetVarOp) WithDescription(description string) *SetVarOp {
	cp := *o
	cp.description = description
	return &cp
}

// WithExpiry returns a copy whose instance expires at t.
func (o *SetVarOp) WithExpiry(t time.Time) *SetVarOp {
	cp := *o
	cp.expiresAt = t.UTC()
	return &cp
}

// WithDuplicates returns a copy that writes even when other sessions already
// hold the variable.
func (o *SetVarOp) WithDuplicates() *SetVarOp {
	cp := *o
	cp.allowDuplicates = true
	return &cp
}

func (o *SetVarOp) Table() string    { return o.table }
func (o *SetVarOp) Var() string      { return o.name }
func (o *SetVarOp) Value() any       { return o.value }
func (o *SetVarOp) Kind() Kind       { return KindSetVar }
func (o *SetVarOp) TypeName() string { return "SetVarOp" }
func (*SetVarOp) isOperator()        {}
func (*SetVarOp) isStatement()       {}

func (o *SetVarOp) PrepareOperator(env Env, parentPath string) (Predicate, error) {
	return o.prepare(env, parentPath)
}

func (o *SetVarOp) PrepareStatement(env Env, parentPath string) (Step, error) {
	return o.prepare(env, parentPath)
}

func (o *SetVarOp) prepare(env Env, parentPath string) (*changeStep, error) {
	path := childPath(parentPath, o)
	table, err := resolveTable(env, o.table, path)
	if err != nil {
		return nil, err
	}
	return &changeStep{path: path, table: table, apply: func(env Env, t Table) bool {
		v := api.Variable{
			Name:        o.name,
			Value:       o.value,
			Session:     env.Session(),
			Description: o.description,
		}
		if !o.expiresAt.IsZero() {
			v.ExpiresAtUnix = o.expiresAt.Unix()
		}
		return t.Set(env.Session(), v, o.allowDuplicates)
	}}, nil
}

// DeleteVarOp removes the caller session's instance of a variable.
type DeleteVarOp struct {
	table      string
	name       string
	value      any
	matchValue bool
}

// NewDeleteVarOp builds a change deleting table/name.
func NewDeleteVarOp(table, name string) (*DeleteVarOp, error) {
	if err := requireTableVar("DeleteVarOp", table, name); err != nil {
		return nil, err
	}
	return &DeleteVarOp{table: table, name: name}, nil
}

// WithValue returns a copy that only deletes an instance holding value.
func (o *DeleteVarOp) WithValue(value any) *DeleteVarOp {
	cp := *o
	cp.value = value
	cp.matchValue = true
	return &cp
}

func (o *DeleteVarOp) Table() string    { return o.table }
func (o *DeleteVarOp) Var() string      { return o.name }
func (o *DeleteVarOp) Kind() Kind       { return KindDeleteVar }
func (o *DeleteVarOp) TypeName() string { return "DeleteVarOp" }
func (*DeleteVarOp) isOperator()        {}
func (*DeleteVarOp) isStatement()       {}

func (o *DeleteVarOp) PrepareOperator(env Env, parentPath string) (Predicate, error) {
	return o.prepare(env, parentPath)
}

func (o *DeleteVarOp) PrepareStatement(env Env, parentPath string) (Step, error) {
	return o.prepare(env, parentPath)
}

func (o *DeleteVarOp) prepare(env Env, parentPath string) (*changeStep, error) {
	path := childPath(parentPath, o)
	table, err := resolveTable(env, o.table, path)
	if err != nil {
		return nil, err
	}
	return &changeStep{path: path, table: table, apply: func(env Env, t Table) bool {
		return t.Delete(env.Session(), o.name, o.value, o.matchValue)
	}}, nil
}

// changeStep is the prepared form shared by SetVarOp and DeleteVarOp. The
// mutation is skipped once the pass is aborted.
type changeStep struct {
	path  string
	table Table
	apply func(Env, Table) bool
}

func (s *changeStep) Path() string { return s.path }

func (s *changeStep) Evaluate(env Env) (bool, error) {
	if env.Aborted() {
		return false, nil
	}
	return s.apply(env, s.table), nil
}

func (s *changeStep) Execute(env Env) error {
	_, err := s.Evaluate(env)
	return err
}

func requireTableVar(typeName, table, name string) error {
	if strings.TrimSpace(table) == "" {
		return required(typeName + ".table")
	}
	if strings.TrimSpace(name) == "" {
		return required(typeName + ".var")
	}
	return nil
}

func resolveTable(env Env, name, path string) (Table, error) {
	table, err := env.Table(name)
	if err != nil {
		return nil, &PrepareError{Path: path, Err: fmt.Errorf("resolve table %q: %w", name, err)}
	}
	return table, nil
}

// ValuesEqual compares two variable values. Numbers compare by value
// regardless of their Go type so that values decoded from JSON match values
// built in process.
func ValuesEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
