package core

import (
	"sync"
	"time"

	"github.com/google/btree"

	"pkt.systems/lockgov/api"
	"pkt.systems/lockgov/lang"
)

const tableDegree = 16

// varEntry holds every session's instance of one variable name, in write
// order.
type varEntry struct {
	name      string
	instances []api.Variable
}

func lessEntry(a, b *varEntry) bool { return a.name < b.name }

// Table is a named, in-memory variable store inside a namespace. Variables
// are kept ordered by name; each name holds one instance per session unless
// duplicates were requested by the writer.
//
// Mutations are only issued from inside the owning namespace's critical
// section. The table lock guards the index for readers that do not hold
// that section.
type Table struct {
	name string
	now  func() time.Time

	mu   sync.RWMutex
	vars *btree.BTreeG[*varEntry]
}

func newTable(name string, now func() time.Time) *Table {
	return &Table{
		name: name,
		now:  now,
		vars: btree.NewG(tableDegree, lessEntry),
	}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// GetVariable returns the visible instances of name. Expired instances are
// never returned. With ignoreThisSession, instances owned by session are
// skipped. Without selectMany at most the oldest matching instance is
// returned.
func (t *Table) GetVariable(selectMany bool, session api.LockSessionID, name string, ignoreThisSession bool) []api.Variable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.vars.Get(&varEntry{name: name})
	if !ok {
		return nil
	}
	nowUnix := t.now().Unix()
	var out []api.Variable
	for _, v := range entry.instances {
		if expired(v, nowUnix) {
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

// Get implements lang.Table.
func (t *Table) Get(session api.LockSessionID, name string, ignoreThisSession, selectMany bool) []api.Variable {
	return t.GetVariable(selectMany, session, name, ignoreThisSession)
}

// SetVariable writes session's instance of v.Name.
func (t *Table) SetVariable(session api.LockSessionID, v api.Variable, allowDuplicates bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	v.Session = session
	v.SetAtUnix = now.UnixNano()
	entry, ok := t.vars.Get(&varEntry{name: v.Name})
	if !ok {
		t.vars.ReplaceOrInsert(&varEntry{name: v.Name, instances: []api.Variable{v}})
		return true
	}
	nowUnix := now.Unix()
	own := -1
	for i, existing := range entry.instances {
		if existing.Session.Equal(session) {
			own = i
			continue
		}
		if !allowDuplicates && !expired(existing, nowUnix) {
			return false
		}
	}
	if own >= 0 {
		entry.instances[own] = v
		return true
	}
	entry.instances = append(entry.instances, v)
	return true
}

// Set implements lang.Table.
func (t *Table) Set(session api.LockSessionID, v api.Variable, allowDuplicates bool) bool {
	return t.SetVariable(session, v, allowDuplicates)
}

// DeleteVariable removes session's instance of name, optionally only when it
// holds value.
func (t *Table) DeleteVariable(session api.LockSessionID, name string, value any, matchValue bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.vars.Get(&varEntry{name: name})
	if !ok {
		return false
	}
	for i, existing := range entry.instances {
		if !existing.Session.Equal(session) {
			continue
		}
		if matchValue && !lang.ValuesEqual(existing.Value, value) {
			return false
		}
		entry.instances = append(entry.instances[:i:i], entry.instances[i+1:]...)
		if len(entry.instances) == 0 {
			t.vars.Delete(entry)
		}
		return true
	}
	return false
}

// Delete implements lang.Table.
func (t *Table) Delete(session api.LockSessionID, name string, value any, matchValue bool) bool {
	return t.DeleteVariable(session, name, value, matchValue)
}

// instances returns a copy of every instance of name, or nil.
func (t *Table) instances(name string) []api.Variable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.vars.Get(&varEntry{name: name})
	if !ok {
		return nil
	}
	return append([]api.Variable(nil), entry.instances...)
}

// restore replaces all instances of name. A nil slice removes the name.
func (t *Table) restore(name string, instances []api.Variable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(instances) == 0 {
		t.vars.Delete(&varEntry{name: name})
		return
	}
	t.vars.ReplaceOrInsert(&varEntry{name: name, instances: instances})
}

// purge drops instances matching drop and returns how many were removed.
func (t *Table) purge(drop func(api.Variable) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	var empty []*varEntry
	t.vars.Ascend(func(entry *varEntry) bool {
		kept := entry.instances[:0]
		for _, v := range entry.instances {
			if drop(v) {
				removed++
				continue
			}
			kept = append(kept, v)
		}
		entry.instances = kept
		if len(kept) == 0 {
			empty = append(empty, entry)
		}
		return true
	})
	for _, entry := range empty {
		t.vars.Delete(entry)
	}
	return removed
}

// Snapshot copies the table for diagnostics.
func (t *Table) Snapshot() api.TableSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := api.TableSnapshot{Name: t.name, Variables: []api.Variable{}}
	t.vars.Ascend(func(entry *varEntry) bool {
		snap.Variables = append(snap.Variables, entry.instances...)
		return true
	})
	return snap
}

// Len returns the number of stored instances.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	t.vars.Ascend(func(entry *varEntry) bool {
		n += len(entry.instances)
		return true
	})
	return n
}

func expired(v api.Variable, nowUnix int64) bool {
	return v.ExpiresAtUnix > 0 && v.ExpiresAtUnix <= nowUnix
}
