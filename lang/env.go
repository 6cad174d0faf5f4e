package lang

import "pkt.systems/lockgov/api"

// RootPath is the parent path handed to top-level statements.
const RootPath = "Root/"

// Env is the evaluation environment a prepared tree runs against. The server
// supplies one per transaction pass.
type Env interface {
	// Session identifies the caller the pass runs on behalf of.
	Session() api.LockSessionID
	// Aborted reports whether the pass has been aborted. Once true it stays
	// true for the rest of the pass.
	Aborted() bool
	// Abort marks the pass as aborted. Only the first path is retained.
	Abort(path string)
	// AddData records value under name in the output bag.
	AddData(name string, value any)
	// Table returns the named table of the current namespace, creating it on
	// first use.
	Table(name string) (Table, error)
}

// Table is the variable store a prepared change or select operates on.
type Table interface {
	Name() string
	// Get returns the instances of name, filtered by session. When
	// selectMany is false at most one instance is returned.
	Get(session api.LockSessionID, name string, ignoreThisSession, selectMany bool) []api.Variable
	// Set writes the session's instance of v.Name. It returns false without
	// writing when another session holds the variable and duplicates are not
	// allowed.
	Set(session api.LockSessionID, v api.Variable, allowDuplicates bool) bool
	// Delete removes the session's instance of name. When matchValue is true
	// the instance is only removed if its value equals value.
	Delete(session api.LockSessionID, name string, value any, matchValue bool) bool
}

// Predicate is a prepared operator.
type Predicate interface {
	Path() string
	Evaluate(env Env) (bool, error)
}

// Step is a prepared statement.
type Step interface {
	Path() string
	Execute(env Env) error
}

// Operator is a node that evaluates to a boolean.
type Operator interface {
	Node
	PrepareOperator(env Env, parentPath string) (Predicate, error)
	isOperator()
}

// Statement is a node executed for its side effect.
type Statement interface {
	Node
	PrepareStatement(env Env, parentPath string) (Step, error)
	isStatement()
}

// Node is implemented by every op.
type Node interface {
	// Kind is the wire tag of the node.
	Kind() Kind
	// TypeName is the path segment contributed by the node.
	TypeName() string
}

// PrepareAll prepares top-level statements against env under RootPath.
// Preparation stops at the first error; the index of the offending
// statement is returned alongside it.
func PrepareAll(env Env, statements []Statement) ([]Step, int, error) {
	steps := make([]Step, 0, len(statements))
	for i, st := range statements {
		step, err := st.PrepareStatement(env, RootPath)
		if err != nil {
			return nil, i, err
		}
		steps = append(steps, step)
	}
	return steps, -1, nil
}

func childPath(parentPath string, n Node) string {
	return parentPath + n.TypeName() + "/"
}
