// Package rpc implements the JSON-RPC 2.0 control surface a running loop
// exposes over a Unix domain socket: status queries, stop/checkpoint/
// inject_prompt/set_interactive_mode/write_pty commands, and an
// output/state_change event subscription feed. One frame per line
// (NDJSON), matching the framing internal/stream already uses for agent
// output. Grounded on
// _examples/original_source/src/ralph_uv/rpc.py (method table, error
// codes, event-subscription semantics) and adapted to adaf's
// internal/session/daemon.go broadcaster pattern (client registry,
// per-client write mutex; no replay of past events on connect), with event
// fan-out queued through internal/eventq so a stalled subscriber gets
// dropped instead of blocking the loop's output path.
package rpc

import (
	"encoding/json"
	"sync"
	"time"
)

// JSON-RPC 2.0 error codes, per spec.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// MaxOutputBuffer bounds the in-memory recent-output FIFO kept per session.
const MaxOutputBuffer = 200

// Status values a session's State.Status may hold.
const (
	StatusRunning      = "running"
	StatusStopped      = "stopped"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusCheckpointed = "checkpointed"
)

// State is the mutable, in-memory state of a running loop that get_status
// reports and state_change events describe deltas of. It is distinct from
// the durable internal/registry.Record: State lives only as long as the
// process does.
type State struct {
	mu sync.RWMutex

	TaskName        string
	TaskDir         string
	Iteration       int
	MaxIterations   int
	CurrentStory    string
	Agent           string
	Status          string
	InteractiveMode bool
	StartedAt       string
	UpdatedAt       string
	InjectedPrompt  string

	recentOutput []string
}

// NewState constructs a State with StatusRunning and the given identity.
func NewState(taskName, taskDir, agentName string, maxIterations int) *State {
	now := time.Now().UTC().Format(time.RFC3339)
	return &State{
		TaskName:      taskName,
		TaskDir:       taskDir,
		Agent:         agentName,
		MaxIterations: maxIterations,
		Status:        StatusRunning,
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

// AppendOutput appends a line to the bounded recent-output FIFO, dropping
// the oldest line once MaxOutputBuffer is exceeded.
func (s *State) AppendOutput(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentOutput = append(s.recentOutput, line)
	if len(s.recentOutput) > MaxOutputBuffer {
		s.recentOutput = s.recentOutput[len(s.recentOutput)-MaxOutputBuffer:]
	}
}

// snapshot is the JSON shape get_status and the Dict() helper produce.
type snapshot struct {
	TaskName        string   `json:"task_name"`
	TaskDir         string   `json:"task_dir"`
	Iteration       int      `json:"iteration"`
	MaxIterations   int      `json:"max_iterations"`
	CurrentStory    string   `json:"current_story"`
	Agent           string   `json:"agent"`
	Status          string   `json:"status"`
	InteractiveMode bool     `json:"interactive_mode"`
	ModeIndicator   string   `json:"mode_indicator"`
	StartedAt       string   `json:"started_at"`
	UpdatedAt       string   `json:"updated_at"`
	RecentOutput    []string `json:"recent_output"`
}

// Dict returns the wire representation returned by get_status.
func (s *State) Dict() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	indicator := "autonomous"
	if s.InteractiveMode {
		indicator = "interactive"
	}
	out := make([]string, len(s.recentOutput))
	copy(out, s.recentOutput)

	snap := snapshot{
		TaskName:        s.TaskName,
		TaskDir:         s.TaskDir,
		Iteration:       s.Iteration,
		MaxIterations:   s.MaxIterations,
		CurrentStory:    s.CurrentStory,
		Agent:           s.Agent,
		Status:          s.Status,
		InteractiveMode: s.InteractiveMode,
		ModeIndicator:   indicator,
		StartedAt:       s.StartedAt,
		UpdatedAt:       s.UpdatedAt,
		RecentOutput:    out,
	}

	b, _ := json.Marshal(snap)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

// InteractiveModeSnapshot returns the current interactive-mode flag under
// lock, for callers outside State's own mutation methods.
func (s *State) InteractiveModeSnapshot() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.InteractiveMode
}

// touch stamps UpdatedAt to now.
func (s *State) touch() {
	s.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// Set applies field updates under lock and reports which fields actually
// changed, for the caller to turn into a state_change event. Unknown
// field names are ignored (mirrors the original's hasattr guard).
func (s *State) Set(fields map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := map[string]any{}
	for k, v := range fields {
		if applyField(s, k, v) {
			changed[k] = v
		}
	}
	if len(changed) > 0 {
		s.touch()
	}
	return changed
}

func applyField(s *State, key string, value any) bool {
	switch key {
	case "iteration":
		if n, ok := asInt(value); ok && s.Iteration != n {
			s.Iteration = n
			return true
		}
	case "current_story":
		if str, ok := value.(string); ok && s.CurrentStory != str {
			s.CurrentStory = str
			return true
		}
	case "agent":
		if str, ok := value.(string); ok && s.Agent != str {
			s.Agent = str
			return true
		}
	case "status":
		if str, ok := value.(string); ok && s.Status != str {
			s.Status = str
			return true
		}
	case "interactive_mode":
		if b, ok := value.(bool); ok && s.InteractiveMode != b {
			s.InteractiveMode = b
			return true
		}
	case "injected_prompt":
		if str, ok := value.(string); ok && s.InjectedPrompt != str {
			s.InjectedPrompt = str
			return true
		}
	}
	return false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
