package lang_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/lockgov/lang"
)

func buildClinicalTxn(t *testing.T) *lang.Transaction {
	t.Helper()
	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	others := must(lang.NewExistsVarOp("MDS", "MDS-Entry", true))
	guard := must(lang.NewAssertOp(must(lang.NewNotOp(others))))
	set := must(lang.NewSetVarOp("MDS", "MDS-Entry", "facility1:patientA")).
		WithDescription("assessment").
		WithExpiry(expires)
	cond := must(lang.NewIfOp(
		must(lang.NewOrOp(lang.TrueOp, lang.FalseOp)),
		must(lang.NewBlockOp(set, must(lang.NewSelectConstantValueOp("marker", "set")))),
		lang.NewAbortOp(),
	))
	sel := must(lang.NewSelectVarValueOp("entry", "MDS", "MDS-Entry", lang.AbortIfNotFound|lang.SelectMany))
	del := must(lang.NewDeleteVarOp("MDS", "Stale")).WithValue(3)
	txn, err := lang.NewTransaction("mds", "Clinical", []lang.Statement{guard, cond, sel, del},
		lang.WithMinimumRuntime(5), lang.WithMinimumTrust(0.25))
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	return txn
}

func TestTransactionJSONPreservesTree(t *testing.T) {
	t.Parallel()

	txn := buildClinicalTxn(t)
	raw, err := json.Marshal(txn)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "Root/") {
		t.Fatal("prepared paths must not be encoded")
	}
	decoded, err := lang.DecodeTransaction(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID() != txn.ID() || decoded.Namespace() != "Clinical" {
		t.Fatalf("identity lost: %v %q", decoded.ID(), decoded.Namespace())
	}
	if decoded.MinimumRequiredRuntimeSec() != 5 || decoded.MinimumRequiredTrustLevel() != 0.25 {
		t.Fatal("requirements lost")
	}
	again, err := json.Marshal(decoded)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if string(again) != string(raw) {
		t.Fatalf("encoding not stable:\n%s\n%s", raw, again)
	}

	stmts := decoded.Statements()
	ifOp, ok := stmts[1].(*lang.IfOp)
	if !ok {
		t.Fatalf("expected IfOp, got %T", stmts[1])
	}
	block, ok := ifOp.Then().(*lang.BlockOp)
	if !ok || len(block.Statements()) != 2 {
		t.Fatalf("unexpected then branch %T", ifOp.Then())
	}
	sel := stmts[2].(*lang.SelectVarValueOp)
	if !sel.Flags().Has(lang.AbortIfNotFound | lang.SelectMany) {
		t.Fatalf("flags lost: %v", sel.Flags())
	}
}

func TestDecodeRejectsInvalidTrees(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown op":      `{"id":"0190a8a4-5a5e-7cc4-a2b1-2ad5a1f6c111","description":"d","namespace":"n","statements":[{"op":"launch"}]}`,
		"operator as stmt": `{"id":"0190a8a4-5a5e-7cc4-a2b1-2ad5a1f6c111","description":"d","namespace":"n","statements":[{"op":"true"}]}`,
		"blank table":     `{"id":"0190a8a4-5a5e-7cc4-a2b1-2ad5a1f6c111","description":"d","namespace":"n","statements":[{"op":"set_var","var":"x"}]}`,
		"no statements":   `{"id":"0190a8a4-5a5e-7cc4-a2b1-2ad5a1f6c111","description":"d","namespace":"n"}`,
		"missing operand": `{"id":"0190a8a4-5a5e-7cc4-a2b1-2ad5a1f6c111","description":"d","namespace":"n","statements":[{"op":"assert"}]}`,
		"unknown field":   `{"id":"0190a8a4-5a5e-7cc4-a2b1-2ad5a1f6c111","description":"d","namespace":"n","extra":1,"statements":[{"op":"abort"}]}`,
		"missing id":      `{"description":"d","namespace":"n","statements":[{"op":"abort"}]}`,
	}
	for name, body := range cases {
		if _, err := lang.DecodeTransaction([]byte(body)); err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
	}
	_, err := lang.DecodeTransaction([]byte(cases["unknown op"]))
	if !errors.Is(err, lang.ErrUnknownOp) {
		t.Fatalf("expected ErrUnknownOp, got %v", err)
	}
	_, err = lang.DecodeTransaction([]byte(cases["blank table"]))
	if !errors.Is(err, lang.ErrArgument) {
		t.Fatalf("expected ErrArgument, got %v", err)
	}
}

func TestPingRoundTrip(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(lang.PingAnyReliability)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := lang.DecodeTransaction(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.IsPing() || decoded.Namespace() != lang.PingNamespace {
		t.Fatalf("unexpected ping %+v", decoded)
	}
}
