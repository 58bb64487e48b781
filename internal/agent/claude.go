package agent

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/ralphrun/ralph/internal/debug"
	"github.com/ralphrun/ralph/internal/stream"
)

// ClaudeBackend runs Anthropic's claude CLI, a stream-parsing backend:
// completion fires when the child exits after emitting its final NDJSON
// record. Grounded on adaf's internal/agent/claude.go flag-building (adapted
// from a plain pipe to a PTY per spec's "Subprocess + PTY" design note) and
// reuses adaf's internal/stream NDJSON parser for the event records
// themselves.
type ClaudeBackend struct {
	// Command overrides the claude binary path; empty means "claude" on PATH.
	Command  string
	Patterns []Pattern
	// OnOutputLine, if set, is called for each output line the PTY produces,
	// with raw content (including any color codes) as received.
	OnOutputLine func(line string)
}

func (c *ClaudeBackend) Name() string        { return "claude" }
func (c *ClaudeBackend) DisplayName() string { return "Claude" }

func (c *ClaudeBackend) command() string {
	if c.Command != "" {
		return c.Command
	}
	return "claude"
}

func (c *ClaudeBackend) IsAvailable() bool {
	_, err := exec.LookPath(c.command())
	return err == nil
}

func (c *ClaudeBackend) SetOutputSink(fn func(line string)) { c.OnOutputLine = fn }

func (c *ClaudeBackend) patterns() []Pattern {
	if c.Patterns != nil {
		return c.Patterns
	}
	return DefaultPatterns
}

// SpawnIteration launches `claude --print --output-format stream-json
// --verbose [--resume ID]` under a PTY.
func (c *ClaudeBackend) SpawnIteration(ctx context.Context, cfg Config) (*Handle, error) {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if cfg.ResumeSessionID != "" {
		args = append(args, "--resume", cfg.ResumeSessionID)
	}

	debug.LogKV("agent.claude", "spawning iteration",
		"binary", c.command(), "workdir", cfg.WorkDir, "resume", cfg.ResumeSessionID)

	cmd := exec.CommandContext(ctx, c.command(), args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = mergeEnv(cfg.Env)

	master, err := startPTY(cmd)
	if err != nil {
		return nil, err
	}

	if _, werr := master.Write([]byte(cfg.Prompt + "\n")); werr != nil {
		debug.LogKV("agent.claude", "writing prompt to pty failed", "error", werr)
	}

	h := &Handle{PTY: master, PID: cmd.Process.Pid, cmd: cmd, done: make(chan Outcome, 1)}

	go c.watch(cmd, master, h.done)
	return h, nil
}

// watch consumes the PTY as NDJSON through stream.Parse (whose scanner
// splits the lines), forwards each raw line to OnOutputLine, and tracks the
// last well-formed record as the final payload used for completion and
// failure classification. ANSI sequences are stripped only when picking the
// last non-empty line as that payload.
func (c *ClaudeBackend) watch(cmd *exec.Cmd, master *os.File, done chan<- Outcome) {
	events := stream.Parse(context.Background(), master)

	var (
		lastRaw   []byte
		sessionID string
	)
	for ev := range events {
		if len(ev.Raw) > 0 {
			if c.OnOutputLine != nil {
				c.OnOutputLine(string(ev.Raw))
			}
			stripped := strings.TrimSpace(ansi.Strip(string(ev.Raw)))
			if stripped != "" {
				lastRaw = []byte(stripped)
			}
		}
		if ev.Err == nil && ev.Parsed.SessionID != "" {
			sessionID = ev.Parsed.SessionID
		}
	}

	waitErr := cmd.Wait()
	done <- Outcome{
		Category:       Classify(string(lastRaw), waitErr, c.patterns()),
		ExitErr:        waitErr,
		FinalPayload:   lastRaw,
		AgentSessionID: sessionID,
	}
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
