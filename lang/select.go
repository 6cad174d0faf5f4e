package lang

import "strings"

// SelectFlags tune SelectVarValueOp lookups.
type SelectFlags uint8

const (
	// IgnoreThisSession excludes instances owned by the calling session.
	IgnoreThisSession SelectFlags = 1 << iota
	// AbortIfNotFound aborts the pass when the lookup yields nothing.
	AbortIfNotFound
	// SelectMany stores every matching instance value as a list.
	SelectMany
)

// Has reports whether all bits of flag are set.
func (f SelectFlags) Has(flag SelectFlags) bool { return f&flag == flag }

// SelectConstantValueOp stores a literal under its into-name.
type SelectConstantValueOp struct {
	into  string
	value any
}

// NewSelectConstantValueOp builds a constant select.
func NewSelectConstantValueOp(into string, value any) (*SelectConstantValueOp, error) {
	if strings.TrimSpace(into) == "" {
		return nil, required("SelectConstantValueOp.into")
	}
	return &SelectConstantValueOp{into: into, value: value}, nil
}

func (o *SelectConstantValueOp) Into() string     { return o.into }
func (o *SelectConstantValueOp) Value() any       { return o.value }
func (o *SelectConstantValueOp) Kind() Kind       { return KindSelectConstant }
func (o *SelectConstantValueOp) TypeName() string { return "SelectConstantValueOp" }
func (*SelectConstantValueOp) isStatement()       {}

func (o *SelectConstantValueOp) PrepareStatement(_ Env, parentPath string) (Step, error) {
	path := childPath(parentPath, o)
	return stepFunc{path: path, fn: func(env Env) error {
		if !env.Aborted() {
			env.AddData(o.into, o.value)
		}
		return nil
	}}, nil
}

// SelectOperatorValueOp evaluates an operator and stores the result. Nothing
// is stored when the pass became aborted during evaluation.
type SelectOperatorValueOp struct {
	into     string
	operator Operator
}

// NewSelectOperatorValueOp builds an operator select.
func NewSelectOperatorValueOp(into string, operator Operator) (*SelectOperatorValueOp, error) {
	if strings.TrimSpace(into) == "" {
		return nil, required("SelectOperatorValueOp.into")
	}
	if operator == nil {
		return nil, required("SelectOperatorValueOp.operator")
	}
	return &SelectOperatorValueOp{into: into, operator: operator}, nil
}

func (o *SelectOperatorValueOp) Into() string       { return o.into }
func (o *SelectOperatorValueOp) Operator() Operator { return o.operator }
func (o *SelectOperatorValueOp) Kind() Kind         { return KindSelectOperator }
func (o *SelectOperatorValueOp) TypeName() string   { return "SelectOperatorValueOp" }
func (*SelectOperatorValueOp) isStatement()         {}

func (o *SelectOperatorValueOp) PrepareStatement(env Env, parentPath string) (Step, error) {
	path := childPath(parentPath, o)
	pred, err := o.operator.PrepareOperator(env, path)
	if err != nil {
		return nil, err
	}
	return stepFunc{path: path, fn: func(env Env) error {
		v, err := pred.Evaluate(env)
		if err != nil {
			return err
		}
		if env.Aborted() {
			return nil
		}
		env.AddData(o.into, v)
		return nil
	}}, nil
}

// SelectVarValueOp reads a variable into the output bag.
type SelectVarValueOp struct {
	into  string
	table string
	name  string
	flags SelectFlags
}

// NewSelectVarValueOp builds a variable select.
func NewSelectVarValueOp(into, table, name string, flags SelectFlags) (*SelectVarValueOp, error) {
	if strings.TrimSpace(into) == "" {
		return nil, required("SelectVarValueOp.into")
	}
	if err := requireTableVar("SelectVarValueOp", table, name); err != nil {
		return nil, err
	}
	return &SelectVarValueOp{into: into, table: table, name: name, flags: flags}, nil
}

func (o *SelectVarValueOp) Into() string       { return o.into }
func (o *SelectVarValueOp) Table() string      { return o.table }
func (o *SelectVarValueOp) Var() string        { return o.name }
func (o *SelectVarValueOp) Flags() SelectFlags { return o.flags }
func (o *SelectVarValueOp) Kind() Kind         { return KindSelectVar }
func (o *SelectVarValueOp) TypeName() string   { return "SelectVarValueOp" }
func (*SelectVarValueOp) isStatement()         {}

func (o *SelectVarValueOp) PrepareStatement(env Env, parentPath string) (Step, error) {
	path := childPath(parentPath, o)
	table, err := resolveTable(env, o.table, path)
	if err != nil {
		return nil, err
	}
	many := o.flags.Has(SelectMany)
	return stepFunc{path: path, fn: func(env Env) error {
		if env.Aborted() {
			return nil
		}
		vars := table.Get(env.Session(), o.name, o.flags.Has(IgnoreThisSession), many)
		if len(vars) == 0 {
			if o.flags.Has(AbortIfNotFound) {
				env.Abort(path)
				return nil
			}
			if many {
				env.AddData(o.into, []any{})
			} else {
				env.AddData(o.into, nil)
			}
			return nil
		}
		if !many {
			env.AddData(o.into, vars[0].Value)
			return nil
		}
		values := make([]any, 0, len(vars))
		for _, v := range vars {
			values = append(values, v.Value)
		}
		env.AddData(o.into, values)
		return nil
	}}, nil
}

type stepFunc struct {
	path string
	fn   func(Env) error
}

func (s stepFunc) Path() string         { return s.path }
func (s stepFunc) Execute(env Env) error { return s.fn(env) }
