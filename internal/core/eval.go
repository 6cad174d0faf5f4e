package core

import (
	"pkt.systems/lockgov/api"
	"pkt.systems/lockgov/lang"
	"pkt.systems/lockgov/namespaces"
)

// EvalContext is the per-transaction execution state handed to prepared op
// trees. It owns the abort flag, the output bag and the undo journal, and
// resolves tables within its namespace. It must only be used while the
// namespace critical section is held.
type EvalContext struct {
	ns        *namespace
	session   api.LockSessionID
	aborted   bool
	abortPath string
	data      map[string]any
	views     map[string]*journaledTable
	journal   []undoEntry
	saved     map[undoKey]struct{}
	mutations int
}

type undoKey struct {
	table string
	name  string
}

type undoEntry struct {
	table     *Table
	name      string
	instances []api.Variable
}

var _ lang.Env = (*EvalContext)(nil)

func newEvalContext(ns *namespace, session api.LockSessionID) *EvalContext {
	return &EvalContext{
		ns:      ns,
		session: session,
		data:    make(map[string]any),
		views:   make(map[string]*journaledTable),
		saved:   make(map[undoKey]struct{}),
	}
}

// Session returns the calling session.
func (c *EvalContext) Session() api.LockSessionID { return c.session }

// Aborted reports whether the pass was aborted.
func (c *EvalContext) Aborted() bool { return c.aborted }

// AbortPath returns the path passed to the first Abort call.
func (c *EvalContext) AbortPath() string { return c.abortPath }

// Abort marks the pass as aborted. The flag is never cleared and only the
// first path is kept.
func (c *EvalContext) Abort(path string) {
	if c.aborted {
		return
	}
	c.aborted = true
	c.abortPath = path
}

// AddData records a value in the output bag.
func (c *EvalContext) AddData(name string, value any) {
	c.data[name] = value
}

// Data returns the output bag.
func (c *EvalContext) Data() map[string]any { return c.data }

// Mutations returns how many variable writes or deletes succeeded.
func (c *EvalContext) Mutations() int { return c.mutations }

// Table resolves (creating if needed) the named table of the namespace. The
// returned handle records undo information for every mutation.
func (c *EvalContext) Table(name string) (lang.Table, error) {
	return c.GetExistingOrMakeTableByName(name)
}

// GetExistingOrMakeTableByName is an alias of Table.
func (c *EvalContext) GetExistingOrMakeTableByName(name string) (lang.Table, error) {
	if view, ok := c.views[name]; ok {
		return view, nil
	}
	if err := namespaces.ValidateName("table", name); err != nil {
		return nil, err
	}
	view := &journaledTable{Table: c.ns.table(name), ctx: c}
	c.views[name] = view
	return view, nil
}

func (c *EvalContext) remember(t *Table, name string) {
	key := undoKey{table: t.name, name: name}
	if _, ok := c.saved[key]; ok {
		return
	}
	c.saved[key] = struct{}{}
	c.journal = append(c.journal, undoEntry{table: t, name: name, instances: t.instances(name)})
}

// rollback restores every variable touched by this pass, newest first.
func (c *EvalContext) rollback() int {
	restored := 0
	for i := len(c.journal) - 1; i >= 0; i-- {
		entry := c.journal[i]
		entry.table.restore(entry.name, entry.instances)
		restored++
	}
	c.journal = nil
	c.saved = make(map[undoKey]struct{})
	return restored
}

// journaledTable is the lang.Table view handed to op trees.
type journaledTable struct {
	*Table
	ctx *EvalContext
}

func (t *journaledTable) Set(session api.LockSessionID, v api.Variable, allowDuplicates bool) bool {
	t.ctx.remember(t.Table, v.Name)
	ok := t.Table.SetVariable(session, v, allowDuplicates)
	if ok {
		t.ctx.mutations++
	}
	return ok
}

func (t *journaledTable) Delete(session api.LockSessionID, name string, value any, matchValue bool) bool {
	t.ctx.remember(t.Table, name)
	ok := t.Table.DeleteVariable(session, name, value, matchValue)
	if ok {
		t.ctx.mutations++
	}
	return ok
}
