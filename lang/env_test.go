package lang_test

import (
	"testing"

	"pkt.systems/lockgov/api"
	"pkt.systems/lockgov/lang"
)

// memEnv is a minimal in-process Env used to exercise prepared trees without
// the server engine.
type memEnv struct {
	session   api.LockSessionID
	aborted   bool
	abortPath string
	data      map[string]any
	tables    map[string]*memTable
	resolved  int
}

func newMemEnv(t *testing.T) *memEnv {
	t.Helper()
	id, err := api.NewLockSessionID("test-host")
	if err != nil {
		t.Fatalf("session id: %v", err)
	}
	return &memEnv{session: id, data: map[string]any{}, tables: map[string]*memTable{}}
}

func (e *memEnv) Session() api.LockSessionID { return e.session }
func (e *memEnv) Aborted() bool              { return e.aborted }

func (e *memEnv) Abort(path string) {
	if e.aborted {
		return
	}
	e.aborted = true
	e.abortPath = path
}

func (e *memEnv) AddData(name string, value any) { e.data[name] = value }

func (e *memEnv) Table(name string) (lang.Table, error) {
	e.resolved++
	if t, ok := e.tables[name]; ok {
		return t, nil
	}
	t := &memTable{name: name}
	e.tables[name] = t
	return t, nil
}

type memTable struct {
	name string
	vars []api.Variable
}

func (t *memTable) Name() string { return t.name }

func (t *memTable) Get(session api.LockSessionID, name string, ignoreThisSession, selectMany bool) []api.Variable {
	var out []api.Variable
	for _, v := range t.vars {
		if v.Name != name {
			continue
		}
		if ignoreThisSession && v.Session.Equal(session) {
			continue
		}
		out = append(out, v)
		if !selectMany {
			break
		}
	}
	return out
}

func (t *memTable) Set(session api.LockSessionID, v api.Variable, allowDuplicates bool) bool {
	for i, existing := range t.vars {
		if existing.Name != v.Name {
			continue
		}
		if existing.Session.Equal(session) {
			t.vars[i] = v
			return true
		}
		if !allowDuplicates {
			return false
		}
	}
	t.vars = append(t.vars, v)
	return true
}

func (t *memTable) Delete(session api.LockSessionID, name string, value any, matchValue bool) bool {
	for i, existing := range t.vars {
		if existing.Name != name || !existing.Session.Equal(session) {
			continue
		}
		if matchValue && !lang.ValuesEqual(existing.Value, value) {
			return false
		}
		t.vars = append(t.vars[:i], t.vars[i+1:]...)
		return true
	}
	return false
}

func runStatements(t *testing.T, env *memEnv, statements ...lang.Statement) {
	t.Helper()
	steps, _, err := lang.PrepareAll(env, statements)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	for _, step := range steps {
		if env.Aborted() {
			return
		}
		if err := step.Execute(env); err != nil {
			t.Fatalf("execute %s: %v", step.Path(), err)
		}
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
