package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/lockgov"
	"pkt.systems/lockgov/api"
	"pkt.systems/lockgov/lang"
)

func writeTopology(t *testing.T, ts *lockgov.TestServer) string {
	t.Helper()
	doc := fmt.Sprintf(`zones:
  - path: /world
    noc: true
  - path: /world/eu
    governors:
      - name: %s
        endpoint: %s
`, ts.Config.Host, ts.URL())
	path := filepath.Join(t.TempDir(), "topology.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write topology: %v", err)
	}
	return path
}

func writeTransaction(t *testing.T, statements ...lang.Statement) string {
	t.Helper()
	txn, err := lang.NewTransaction("cli test", "clinical", statements)
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	data, err := txn.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "txn.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write transaction: %v", err)
	}
	return path
}

func TestClientExecAndInspect(t *testing.T) {
	ts := lockgov.StartTestServer(t)
	topo := writeTopology(t, ts)

	set, err := lang.NewSetVarOp("Beds", "ward-7", "reserved")
	if err != nil {
		t.Fatalf("set op: %v", err)
	}
	sel, err := lang.NewSelectVarValueOp("bed", "Beds", "ward-7", lang.AbortIfNotFound)
	if err != nil {
		t.Fatalf("select op: %v", err)
	}
	txnPath := writeTransaction(t, set, sel)

	stdout, _, err := runCommand(t, newTestRootCommand(t), "client", "exec", txnPath,
		"--topology", topo, "--path", "/world/eu/se", "--shard", "42", "--int-shard",
		"--client-host", "cli-test", "--correlation-id", "cli-corr")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	var res api.LockTransactionResult
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("decode exec output %q: %v", stdout, err)
	}
	if !res.Status.OK() || res.ServerHost != ts.Config.Host || res.Data["bed"] != "reserved" {
		t.Fatalf("unexpected exec result: %+v", res)
	}

	// exec always ends its session, so the variable is gone again.
	stdout, _, err = runCommand(t, newTestRootCommand(t), "client", "tables", "clinical", "--server", ts.URL())
	if err != nil {
		t.Fatalf("tables: %v", err)
	}
	var tables api.TablesResponse
	if err := json.Unmarshal([]byte(stdout), &tables); err != nil {
		t.Fatalf("decode tables: %v", err)
	}
	for _, table := range tables.Tables {
		if len(table.Variables) != 0 {
			t.Fatalf("expected session variables purged, got %+v", tables)
		}
	}

	stdout, _, err = runCommand(t, newTestRootCommand(t), "client", "status", "--json", "-s", ts.URL())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st api.StatusResponse
	if err := json.Unmarshal([]byte(stdout), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Host != ts.Config.Host || st.Sessions != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestClientExecReportsAbort(t *testing.T) {
	ts := lockgov.StartTestServer(t)
	topo := writeTopology(t, ts)
	txnPath := writeTransaction(t, lang.NewAbortOp())

	stdout, _, err := runCommand(t, newTestRootCommand(t), "client", "exec", txnPath,
		"-t", topo, "-p", "/world/eu", "-k", "patient-9")
	if err == nil || !strings.Contains(err.Error(), "aborted") {
		t.Fatalf("expected aborted error, got %v", err)
	}
	var res api.LockTransactionResult
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("decode exec output: %v", err)
	}
	if res.Status != api.TransactionAborted {
		t.Fatalf("expected aborted status, got %+v", res)
	}
}

func TestClientPingRespectsTrust(t *testing.T) {
	ts := lockgov.StartTestServer(t, lockgov.WithTestConfigFunc(func(cfg *lockgov.Config) {
		cfg.TrustLevel = 0.5
	}))
	topo := writeTopology(t, ts)

	if _, _, err := runCommand(t, newTestRootCommand(t), "client", "ping", "-t", topo, "-p", "/world/eu", "-k", "x"); err != nil {
		t.Fatalf("ping: %v", err)
	}
	_, _, err := runCommand(t, newTestRootCommand(t), "client", "ping", "-t", topo, "-p", "/world/eu", "-k", "x", "--min-trust", "0.9")
	if err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("expected rejected ping, got %v", err)
	}
}

func TestClientExecRequiresTopology(t *testing.T) {
	txnPath := writeTransaction(t, lang.NewAbortOp())
	cmd := newTestRootCommand(t)
	t.Setenv("LOCKGOV_CLIENT_TOPOLOGY", "")
	_, _, err := runCommand(t, cmd, "client", "exec", txnPath, "-p", "/world", "-k", "x")
	if err == nil || !strings.Contains(err.Error(), "topology") {
		t.Fatalf("expected topology error, got %v", err)
	}
}

func TestClientEndSession(t *testing.T) {
	ts := lockgov.StartTestServer(t)
	id, err := api.NewLockSessionID("cli-test")
	if err != nil {
		t.Fatalf("session id: %v", err)
	}
	stdout, _, err := runCommand(t, newTestRootCommand(t), "client", "end-session", id.String(), "--server", ts.URL())
	if err != nil {
		t.Fatalf("end-session: %v", err)
	}
	var res api.EndSessionResponse
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Purged != 0 {
		t.Fatalf("unknown session must purge nothing, got %+v", res)
	}

	if _, _, err := runCommand(t, newTestRootCommand(t), "client", "end-session", "not-a-session", "--server", ts.URL()); err == nil {
		t.Fatalf("expected parse error for malformed session id")
	}
}

func TestPrintStatus(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var out strings.Builder
	err := printStatus(&out, &api.StatusResponse{
		Host:        "gov-1",
		TrustLevel:  0.875,
		Sessions:    1200,
		Variables:   3,
		Namespaces:  []string{"clinical", "logistics"},
		Draining:    true,
		StartedUnix: now.Add(-2 * time.Hour).Unix(),
	}, now)
	if err != nil {
		t.Fatalf("print: %v", err)
	}
	text := out.String()
	for _, want := range []string{"gov-1", "draining", "2 hours ago", "0.875", "1,200", "clinical, logistics"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in status output:\n%s", want, text)
		}
	}
}
