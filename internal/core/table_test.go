package core

import (
	"testing"
	"time"

	"pkt.systems/lockgov/api"
)

func TestTableSetOwnershipAndDuplicates(t *testing.T) {
	now := testStart
	table := newTable("Beds", func() time.Time { return now })
	a := newSession(t, "host-a").ID
	b := newSession(t, "host-b").ID

	if !table.SetVariable(a, api.Variable{Name: "ward-7", Value: 1}, false) {
		t.Fatalf("first set must succeed")
	}
	if !table.SetVariable(a, api.Variable{Name: "ward-7", Value: 2}, false) {
		t.Fatalf("owner must be able to update its instance")
	}
	if table.Len() != 1 {
		t.Fatalf("owner update must not add an instance, len=%d", table.Len())
	}
	if table.SetVariable(b, api.Variable{Name: "ward-7", Value: 3}, false) {
		t.Fatalf("set must be refused while another session holds the variable")
	}
	if !table.SetVariable(b, api.Variable{Name: "ward-7", Value: 3}, true) {
		t.Fatalf("set with duplicates must succeed")
	}

	first := table.GetVariable(false, a, "ward-7", false)
	if len(first) != 1 || first[0].Value != 2 || !first[0].Session.Equal(a) {
		t.Fatalf("expected oldest instance owned by a, got %+v", first)
	}
	others := table.GetVariable(true, a, "ward-7", true)
	if len(others) != 1 || !others[0].Session.Equal(b) {
		t.Fatalf("expected only b's instance, got %+v", others)
	}
	if all := table.GetVariable(true, a, "ward-7", false); len(all) != 2 {
		t.Fatalf("expected both instances, got %+v", all)
	}
	if got := first[0].SetAtUnix; got != now.UnixNano() {
		t.Fatalf("unexpected set time %d", got)
	}
}

func TestTableExpiredInstancesAreInvisible(t *testing.T) {
	now := testStart
	table := newTable("Beds", func() time.Time { return now })
	a := newSession(t, "host-a").ID
	b := newSession(t, "host-b").ID

	table.SetVariable(a, api.Variable{Name: "ward-1", Value: "held", ExpiresAtUnix: now.Add(time.Minute).Unix()}, false)
	if got := table.GetVariable(false, b, "ward-1", false); len(got) != 1 {
		t.Fatalf("live instance must be visible, got %+v", got)
	}
	now = now.Add(time.Minute)
	if got := table.GetVariable(false, b, "ward-1", false); len(got) != 0 {
		t.Fatalf("expired instance must be invisible, got %+v", got)
	}
	if !table.SetVariable(b, api.Variable{Name: "ward-1", Value: "mine"}, false) {
		t.Fatalf("expired instance must not block other sessions")
	}
}

func TestTableDeleteMatchesValueAndDropsEmptyNames(t *testing.T) {
	table := newTable("Beds", func() time.Time { return testStart })
	a := newSession(t, "host-a").ID
	b := newSession(t, "host-b").ID
	table.SetVariable(a, api.Variable{Name: "ward-2", Value: "x"}, false)

	if table.DeleteVariable(b, "ward-2", nil, false) {
		t.Fatalf("delete must only touch the caller's instance")
	}
	if table.DeleteVariable(a, "ward-2", "y", true) {
		t.Fatalf("delete with mismatching value must fail")
	}
	if !table.DeleteVariable(a, "ward-2", "x", true) {
		t.Fatalf("delete with matching value must succeed")
	}
	if table.Len() != 0 || len(table.Snapshot().Variables) != 0 {
		t.Fatalf("table must be empty, got %+v", table.Snapshot())
	}
	if table.DeleteVariable(a, "ward-2", nil, false) {
		t.Fatalf("deleting a missing variable must fail")
	}
}

func TestTableSnapshotOrderAndPurge(t *testing.T) {
	table := newTable("Beds", func() time.Time { return testStart })
	a := newSession(t, "host-a").ID
	b := newSession(t, "host-b").ID
	table.SetVariable(a, api.Variable{Name: "zeta", Value: 1}, false)
	table.SetVariable(b, api.Variable{Name: "alpha", Value: 2}, false)
	table.SetVariable(a, api.Variable{Name: "alpha", Value: 3}, true)

	snap := table.Snapshot()
	if snap.Name != "Beds" || len(snap.Variables) != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Variables[0].Name != "alpha" || snap.Variables[2].Name != "zeta" {
		t.Fatalf("snapshot must be ordered by name: %+v", snap.Variables)
	}

	removed := table.purge(func(v api.Variable) bool { return v.Session.Equal(a) })
	if removed != 2 {
		t.Fatalf("expected 2 purged instances, got %d", removed)
	}
	if got := table.Snapshot().Variables; len(got) != 1 || got[0].Name != "alpha" || !got[0].Session.Equal(b) {
		t.Fatalf("unexpected instances after purge: %+v", got)
	}
}

func TestTableRestoreReplacesInstances(t *testing.T) {
	table := newTable("Beds", func() time.Time { return testStart })
	a := newSession(t, "host-a").ID
	table.SetVariable(a, api.Variable{Name: "ward-3", Value: "before"}, false)
	saved := table.instances("ward-3")

	table.SetVariable(a, api.Variable{Name: "ward-3", Value: "after"}, false)
	table.restore("ward-3", saved)
	if got := table.GetVariable(false, a, "ward-3", false); len(got) != 1 || got[0].Value != "before" {
		t.Fatalf("restore must bring back saved instances, got %+v", got)
	}
	table.restore("ward-3", nil)
	if table.Len() != 0 {
		t.Fatalf("restoring nil must drop the name")
	}
}
