package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestUpsertGetRoundTrip(t *testing.T) {
	r := openTest(t)
	rec := Record{
		TaskName:      "demo",
		TaskDir:       "/tmp/demo",
		Agent:         "claude",
		Status:        StatusRunning,
		MaxIterations: 10,
		PID:           os.Getpid(),
		SocketPath:    "/tmp/demo.sock",
	}
	if err := r.Upsert(rec, false); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := r.Get("demo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.TaskDir != rec.TaskDir || got.SocketPath != rec.SocketPath {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestUpsertConflictsWithLiveRunning(t *testing.T) {
	r := openTest(t)
	rec := Record{TaskName: "demo", Status: StatusRunning, PID: os.Getpid()}
	if err := r.Upsert(rec, false); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	err := r.Upsert(Record{TaskName: "demo", Status: StatusRunning, PID: os.Getpid()}, false)
	if err == nil {
		t.Fatalf("expected conflict error")
	}
	if _, ok := err.(*ConflictError); !ok {
		t.Fatalf("expected *ConflictError, got %T: %v", err, err)
	}
	// force=true bypasses the conflict
	if err := r.Upsert(Record{TaskName: "demo", Status: StatusRunning, PID: os.Getpid()}, true); err != nil {
		t.Fatalf("forced upsert should succeed: %v", err)
	}
}

func TestMarkTerminalFromRunningIsIdempotent(t *testing.T) {
	r := openTest(t)
	if err := r.Upsert(Record{TaskName: "demo", Status: StatusRunning, PID: os.Getpid()}, false); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := r.MarkTerminal("demo", StatusCompleted, ""); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	got, _ := r.Get("demo")
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	// idempotent
	if err := r.MarkTerminal("demo", StatusCompleted, ""); err != nil {
		t.Fatalf("MarkTerminal idempotent: %v", err)
	}
}

func TestCleanOrphansDeadPIDs(t *testing.T) {
	r := openTest(t)
	// An unreachable PID (unlikely to exist).
	if err := r.Upsert(Record{TaskName: "dead", Status: StatusRunning, PID: 999999}, false); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	cleaned, err := r.Clean()
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if cleaned != 1 {
		t.Fatalf("expected 1 cleaned, got %d", cleaned)
	}
	got, _ := r.Get("dead")
	if got.Status != StatusFailed || got.FailReason != "orphaned" {
		t.Fatalf("expected orphaned failed record, got %+v", got)
	}
}

func TestListFilters(t *testing.T) {
	r := openTest(t)
	r.Upsert(Record{TaskName: "a", Status: StatusRunning, PID: os.Getpid()}, false)
	r.Upsert(Record{TaskName: "b", Status: StatusCompleted, PID: os.Getpid()}, false)
	running, err := r.List(Filter{Status: StatusRunning})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(running) != 1 || running[0].TaskName != "a" {
		t.Fatalf("unexpected running filter result: %+v", running)
	}
}
