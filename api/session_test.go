package api_test

import (
	"encoding/json"
	"testing"

	"pkt.systems/lockgov/api"
)

func TestLockSessionIDStringAndParse(t *testing.T) {
	t.Parallel()

	id, err := api.NewLockSessionID("worker-1")
	if err != nil {
		t.Fatalf("new session id: %v", err)
	}
	s := id.String()
	want := "{" + id.ID.String() + "}@worker-1"
	if s != want {
		t.Fatalf("expected %q, got %q", want, s)
	}
	parsed, err := api.ParseLockSessionID(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(id) {
		t.Fatalf("parsed %v does not equal %v", parsed, id)
	}
}

func TestLockSessionIDEqualityIsCaseSensitiveOnHost(t *testing.T) {
	t.Parallel()

	id, err := api.NewLockSessionID("Worker")
	if err != nil {
		t.Fatalf("new session id: %v", err)
	}
	other := id
	other.Host = "worker"
	if id.Equal(other) {
		t.Fatal("expected host comparison to be case-sensitive")
	}
	other.Host = "Worker"
	if !id.Equal(other) {
		t.Fatal("expected equal ids")
	}
}

func TestNewLockSessionIDRequiresHost(t *testing.T) {
	t.Parallel()

	if _, err := api.NewLockSessionID("  "); err == nil {
		t.Fatal("expected error for blank host")
	}
	if _, err := api.ParseLockSessionID("not-a-session"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLockSessionDataJSON(t *testing.T) {
	t.Parallel()

	id, _ := api.NewLockSessionID("h")
	data := api.LockSessionData{ID: id, Description: "batch", MaxAgeSec: 30}
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded api.LockSessionData
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.ID.Equal(id) || decoded.MaxAgeSec != 30 || decoded.Description != "batch" {
		t.Fatalf("unexpected decoded data: %+v", decoded)
	}
}
