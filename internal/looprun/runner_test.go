package looprun

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ralphrun/ralph/internal/agent"
	"github.com/ralphrun/ralph/internal/prd"
)

type fakeBackend struct {
	name      string
	available bool
	outcome   agent.Outcome
	sink      func(line string)
	spawns    int
}

func (f *fakeBackend) Name() string        { return f.name }
func (f *fakeBackend) DisplayName() string { return f.name }
func (f *fakeBackend) IsAvailable() bool   { return f.available }
func (f *fakeBackend) SetOutputSink(fn func(line string)) { f.sink = fn }

func (f *fakeBackend) SpawnIteration(ctx context.Context, cfg agent.Config) (*agent.Handle, error) {
	f.spawns++
	if f.sink != nil {
		f.sink("fake output line")
	}
	r, w, _ := os.Pipe()
	_ = w.Close()
	done := make(chan agent.Outcome, 1)
	done <- f.outcome
	return agent.NewHandle(r, 0, done), nil
}

func writeFixturePRD(t *testing.T, dir string, storyPasses bool) string {
	t.Helper()
	doc := map[string]any{
		"schemaVersion": "2.0",
		"project":       "demo",
		"branchName":    "ralph/demo",
		"userStories": []map[string]any{
			{
				"id":       "US-1",
				"title":    "First story",
				"priority": 1,
				"passes":   storyPasses,
				"acceptanceCriteria": []map[string]any{
					{"description": "does the thing", "passes": storyPasses},
				},
			},
		},
	}
	b, _ := json.Marshal(doc)
	path := filepath.Join(dir, "prd.json")
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatalf("writing fixture PRD: %v", err)
	}
	return path
}

func TestRunnerCompletesWhenStoryAlreadyPassing(t *testing.T) {
	dir := t.TempDir()
	path := writeFixturePRD(t, dir, true)

	backend := &fakeBackend{name: "fake", available: true}
	r, err := New(Config{PRDPath: path, WorkDir: dir, TaskName: "demo", Backends: []agent.Backend{backend}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	phase, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseCompleted {
		t.Fatalf("expected PhaseCompleted, got %s", phase)
	}
	if backend.spawns != 0 {
		t.Fatalf("expected no iterations spawned, got %d", backend.spawns)
	}
}

func TestRunnerAnnotatesProgressLogWhenCompletedWithManualMergeTarget(t *testing.T) {
	dir := t.TempDir()
	doc := map[string]any{
		"schemaVersion": "2.0",
		"project":       "demo",
		"branchName":    "ralph/demo",
		"mergeTarget":   "main",
		"autoMerge":     false,
		"userStories": []map[string]any{
			{
				"id": "US-1", "priority": 1, "passes": true,
				"acceptanceCriteria": []map[string]any{
					{"description": "does the thing", "passes": true},
				},
			},
		},
	}
	b, _ := json.Marshal(doc)
	path := filepath.Join(dir, "prd.json")
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	plog, err := OpenProgressLog(filepath.Join(dir, "progress.txt"))
	if err != nil {
		t.Fatalf("OpenProgressLog: %v", err)
	}
	defer plog.Close()

	backend := &fakeBackend{name: "fake", available: true}
	r, err := New(Config{PRDPath: path, WorkDir: dir, TaskName: "demo", Backends: []agent.Backend{backend}, ProgressLog: plog})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	phase, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseCompleted {
		t.Fatalf("expected PhaseCompleted, got %s", phase)
	}

	logged, err := os.ReadFile(filepath.Join(dir, "progress.txt"))
	if err != nil {
		t.Fatalf("reading progress log: %v", err)
	}
	if !strings.Contains(string(logged), "ready to merge") {
		t.Fatalf("expected progress log to carry a ready-to-merge marker, got: %q", string(logged))
	}
}

func TestRunnerRunsOneIterationThenStopsAtMaxIterations(t *testing.T) {
	dir := t.TempDir()
	path := writeFixturePRD(t, dir, false)

	backend := &fakeBackend{
		name:      "fake",
		available: true,
		outcome:   agent.Outcome{Category: agent.Success},
	}
	r, err := New(Config{
		PRDPath:       path,
		WorkDir:       dir,
		TaskName:      "demo",
		MaxIterations: 1,
		Backends:      []agent.Backend{backend},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	phase, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseStopped {
		t.Fatalf("expected PhaseStopped at max iterations, got %s", phase)
	}
	if backend.spawns != 1 {
		t.Fatalf("expected exactly 1 iteration, got %d", backend.spawns)
	}
}

func TestRunnerStopRequestHonoredBetweenIterations(t *testing.T) {
	dir := t.TempDir()
	path := writeFixturePRD(t, dir, false)

	backend := &fakeBackend{
		name:      "fake",
		available: true,
		outcome:   agent.Outcome{Category: agent.Success},
	}
	r, err := New(Config{PRDPath: path, WorkDir: dir, TaskName: "demo", Backends: []agent.Backend{backend}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.RequestStop()

	phase, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseStopped {
		t.Fatalf("expected PhaseStopped, got %s", phase)
	}
	if backend.spawns != 0 {
		t.Fatalf("expected stop to preempt the first iteration, got %d spawns", backend.spawns)
	}
}

func TestNewRejectsCyclicPRD(t *testing.T) {
	dir := t.TempDir()
	doc := map[string]any{
		"schemaVersion": "2.0",
		"project":       "demo",
		"branchName":    "ralph/demo",
		"userStories": []map[string]any{
			{"id": "US-1", "priority": 1, "passes": false, "blockedBy": []string{"US-2"}},
			{"id": "US-2", "priority": 2, "passes": false, "blockedBy": []string{"US-1"}},
		},
	}
	b, _ := json.Marshal(doc)
	path := filepath.Join(dir, "prd.json")
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	backend := &fakeBackend{name: "fake", available: true}
	if _, err := New(Config{PRDPath: path, WorkDir: dir, TaskName: "demo", Backends: []agent.Backend{backend}}); err == nil {
		t.Fatalf("expected New to surface the PRD's cycle-detection error")
	}
}

func TestRunnerCheckpointsAwaitingDecisionWhenOnlyRemainingStoryIsAPendingDecisionGate(t *testing.T) {
	dir := t.TempDir()
	doc := map[string]any{
		"schemaVersion": "2.0",
		"project":       "demo",
		"branchName":    "ralph/demo",
		"userStories": []map[string]any{
			{
				"id": "US-1", "priority": 1, "passes": false,
				"blockedBy": []string{"GATE-1"},
			},
			{
				"id": "GATE-1", "priority": 0, "passes": false,
				"type": "decision-gate",
				"decisionConfig": map[string]any{
					"slug": "pick-a-db", "status": "pending", "inputFile": "decisions/pick-a-db.md",
				},
			},
		},
	}
	b, _ := json.Marshal(doc)
	path := filepath.Join(dir, "prd.json")
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	backend := &fakeBackend{name: "fake", available: true, outcome: agent.Outcome{Category: agent.Success}}
	r, err := New(Config{PRDPath: path, WorkDir: dir, TaskName: "demo", MaxIterations: 1, Backends: []agent.Backend{backend}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// GATE-1 is itself ineligible (invariant 4: a pending decision-gate
	// story never runs), and US-1 is blocked by it, so no story is ever
	// selected: the run must checkpoint with reason "awaiting_decision"
	// rather than spawn an iteration or fail outright.
	phase, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseCheckpointed {
		t.Fatalf("expected PhaseCheckpointed, got %s", phase)
	}
	if backend.spawns != 0 {
		t.Fatalf("expected no iterations to be spawned against a pending gate, got %d", backend.spawns)
	}

	saved, err := prd.Load(path)
	if err != nil {
		t.Fatalf("reloading saved PRD: %v", err)
	}
	if !saved.Checkpointed {
		t.Fatalf("expected PRD to be marked checkpointed on disk")
	}
	if saved.CheckpointReason != "awaiting_decision" {
		t.Fatalf("expected checkpoint reason %q, got %q", "awaiting_decision", saved.CheckpointReason)
	}
}

func TestRunnerResumesIterationCountFromExistingCheckpoint(t *testing.T) {
	dir := t.TempDir()
	doc := map[string]any{
		"schemaVersion":    "2.0",
		"project":          "demo",
		"branchName":       "ralph/demo",
		"checkpointed":     true,
		"lastIteration":    4,
		"checkpointReason": "checkpoint requested",
		"userStories": []map[string]any{
			{"id": "US-1", "priority": 1, "passes": false},
		},
	}
	b, _ := json.Marshal(doc)
	path := filepath.Join(dir, "prd.json")
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	backend := &fakeBackend{name: "fake", available: true, outcome: agent.Outcome{Category: agent.Success}}
	r, err := New(Config{PRDPath: path, WorkDir: dir, TaskName: "demo", MaxIterations: 6, Backends: []agent.Backend{backend}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// The checkpoint recorded lastIteration=4, so resuming should pick up
	// at iteration 5 and hit MaxIterations=6 after a single spawned iteration.
	phase, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseStopped {
		t.Fatalf("expected PhaseStopped at max iterations, got %s", phase)
	}
	if backend.spawns != 1 {
		t.Fatalf("expected exactly 1 iteration spawned after resume, got %d", backend.spawns)
	}

	saved, err := prd.Load(path)
	if err != nil {
		t.Fatalf("reloading saved PRD: %v", err)
	}
	if saved.Checkpointed {
		t.Fatalf("expected checkpoint to be cleared on resume")
	}
}
