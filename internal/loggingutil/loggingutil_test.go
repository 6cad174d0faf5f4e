package loggingutil_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/lockgov/internal/loggingutil"
	"pkt.systems/pslog"
)

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	t.Parallel()

	if got := loggingutil.Subsystem("lock", "", " .engine. ", "txn"); got != "lock.engine.txn" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if got := loggingutil.Subsystem(); got != "" {
		t.Fatalf("expected empty subsystem, got %q", got)
	}
}

func TestWithSubsystemTagsEntries(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := pslog.NewStructured(context.Background(), &buf)
	logger := loggingutil.WithSubsystem(base, "lock.engine")
	logger.Info("lock.txn.begin", "namespace", "clinical")
	out := buf.String()
	if !strings.Contains(out, "lock.engine") || !strings.Contains(out, "clinical") {
		t.Fatalf("expected subsystem and fields in %q", out)
	}
}

func TestEnsureLoggerFallsBackToNoop(t *testing.T) {
	t.Parallel()

	if loggingutil.EnsureLogger(nil) == nil {
		t.Fatal("expected noop logger")
	}
	loggingutil.WithSubsystem(nil, "x").Info("discarded")
}
