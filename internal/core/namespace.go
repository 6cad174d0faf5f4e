package core

import (
	"sort"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"

	"pkt.systems/lockgov/api"
)

// namespace is one serialization domain. Every transaction targeting it runs
// its whole statement list while holding exec.
type namespace struct {
	name string
	now  func() time.Time

	exec deadlock.Mutex

	mu     sync.RWMutex
	tables map[string]*Table
}

func newNamespace(name string, now func() time.Time) *namespace {
	return &namespace{name: name, now: now, tables: make(map[string]*Table)}
}

// table returns the named table, creating it on first use. One Table exists
// per name for the lifetime of the namespace.
func (ns *namespace) table(name string) *Table {
	ns.mu.RLock()
	t, ok := ns.tables[name]
	ns.mu.RUnlock()
	if ok {
		return t
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if t, ok := ns.tables[name]; ok {
		return t
	}
	t = newTable(name, ns.now)
	ns.tables[name] = t
	return t
}

// existingTable returns the named table without creating it.
func (ns *namespace) existingTable(name string) (*Table, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	t, ok := ns.tables[name]
	return t, ok
}

func (ns *namespace) tableList() []*Table {
	ns.mu.RLock()
	out := make([]*Table, 0, len(ns.tables))
	for _, t := range ns.tables {
		out = append(out, t)
	}
	ns.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// purge removes matching instances from every table. Callers must hold exec.
func (ns *namespace) purge(drop func(api.Variable) bool) int {
	removed := 0
	for _, t := range ns.tableList() {
		removed += t.purge(drop)
	}
	return removed
}

// registry tracks namespaces by normalized name.
type registry struct {
	now func() time.Time

	mu         sync.RWMutex
	namespaces map[string]*namespace
}

func newRegistry(now func() time.Time) *registry {
	return &registry{now: now, namespaces: make(map[string]*namespace)}
}

func (r *registry) get(name string) *namespace {
	r.mu.RLock()
	ns, ok := r.namespaces[name]
	r.mu.RUnlock()
	if ok {
		return ns
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ns, ok := r.namespaces[name]; ok {
		return ns
	}
	ns = newNamespace(name, r.now)
	r.namespaces[name] = ns
	return ns
}

func (r *registry) lookup(name string) (*namespace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.namespaces[name]
	return ns, ok
}

func (r *registry) all() []*namespace {
	r.mu.RLock()
	out := make([]*namespace, 0, len(r.namespaces))
	for _, ns := range r.namespaces {
		out = append(out, ns)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (r *registry) names() []string {
	all := r.all()
	names := make([]string, 0, len(all))
	for _, ns := range all {
		names = append(names, ns.name)
	}
	return names
}
