package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ralphrun/ralph/internal/debug"
)

const (
	opencodePortRangeStart = 4096
	opencodePortRangeEnd   = 5096
	opencodeHealthTimeout  = 30 * time.Second
	opencodeHealthInterval = 500 * time.Millisecond
)

// OpenCodeBackend runs `opencode serve`, a server-with-signal backend:
// completion fires when an idle signal file is written (or the process
// exits, whichever comes first). Grounded on
// original_source/src/ralph_uv/opencode_lifecycle.py (port allocation,
// health-check polling, session creation) and session.py's signal-file
// protocol.
type OpenCodeBackend struct {
	Command  string
	Patterns []Pattern

	OnOutputLine func(line string)

	httpClient *http.Client
}

func (o *OpenCodeBackend) Name() string        { return "opencode" }
func (o *OpenCodeBackend) DisplayName() string { return "OpenCode" }

func (o *OpenCodeBackend) command() string {
	if o.Command != "" {
		return o.Command
	}
	return "opencode"
}

func (o *OpenCodeBackend) IsAvailable() bool {
	_, err := exec.LookPath(o.command())
	return err == nil
}

func (o *OpenCodeBackend) SetOutputSink(fn func(line string)) { o.OnOutputLine = fn }

func (o *OpenCodeBackend) patterns() []Pattern {
	if o.Patterns != nil {
		return o.Patterns
	}
	return DefaultPatterns
}

func (o *OpenCodeBackend) client() *http.Client {
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return o.httpClient
}

// SpawnIteration starts `opencode serve --port N --hostname 127.0.0.1` under
// a PTY, waits for its health endpoint, creates a session, and watches a
// signal file for the idle document the agent writes when it finishes.
func (o *OpenCodeBackend) SpawnIteration(ctx context.Context, cfg Config) (*Handle, error) {
	port, err := allocatePort()
	if err != nil {
		return nil, fmt.Errorf("opencode: allocating port: %w", err)
	}

	signalFile := filepath.Join(os.TempDir(), fmt.Sprintf("ralph-opencode-signal-%d.json", port))
	os.Remove(signalFile)

	env := map[string]string{
		"RALPH_SIGNAL_FILE": signalFile,
		"OPENCODE_PERMISSION": "allow",
	}
	for k, v := range cfg.Env {
		env[k] = v
	}

	cmd := exec.CommandContext(ctx, o.command(), "serve", "--port", strconv.Itoa(port), "--hostname", "127.0.0.1")
	cmd.Dir = cfg.WorkDir
	cmd.Env = mergeEnv(env)

	debug.LogKV("agent.opencode", "spawning iteration", "port", port, "workdir", cfg.WorkDir, "signal_file", signalFile)

	master, err := startPTY(cmd)
	if err != nil {
		return nil, err
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := o.waitHealthy(ctx, baseURL); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("opencode: health check: %w", err)
	}

	sessionID, err := o.createSession(ctx, baseURL, cfg.Prompt)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("opencode: creating session: %w", err)
	}
	env["RALPH_SESSION_ID"] = sessionID

	h := &Handle{PTY: master, PID: cmd.Process.Pid, cmd: cmd, done: make(chan Outcome, 1)}
	go o.drainOutput(master, o.OnOutputLine)
	go o.watchCompletion(ctx, cmd, signalFile, sessionID, h.done, o.patterns())
	return h, nil
}

func (o *OpenCodeBackend) drainOutput(master *os.File, onLine func(string)) {
	buf := make([]byte, 4096)
	var pending bytes.Buffer
	for {
		n, err := master.Read(buf)
		if n > 0 {
			pending.Write(buf[:n])
			for {
				idx := bytes.IndexByte(pending.Bytes(), '\n')
				if idx < 0 {
					break
				}
				line := strings.TrimRight(string(pending.Next(idx+1)), "\r\n")
				if onLine != nil {
					onLine(line)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (o *OpenCodeBackend) waitHealthy(ctx context.Context, baseURL string) error {
	deadline := time.Now().Add(opencodeHealthTimeout)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/global/health", nil)
		resp, err := o.client().Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opencodeHealthInterval):
		}
	}
	return fmt.Errorf("server did not become healthy within %s", opencodeHealthTimeout)
}

func (o *OpenCodeBackend) createSession(ctx context.Context, baseURL, prompt string) (string, error) {
	body, _ := json.Marshal(map[string]string{"prompt": prompt})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/session", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// signalDoc mirrors the JSON document the agent runtime writes
// atomically (write-to-temp-then-rename) when it goes idle.
type signalDoc struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id"`
}

func (o *OpenCodeBackend) watchCompletion(ctx context.Context, cmd *exec.Cmd, signalFile, sessionID string, done chan<- Outcome, patterns []Pattern) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		debug.LogKV("agent.opencode", "fsnotify unavailable, falling back to process exit only", "error", err)
		waitErr := cmd.Wait()
		done <- Outcome{Category: Classify("", waitErr, patterns), ExitErr: waitErr}
		return
	}
	defer watcher.Close()
	_ = watcher.Add(filepath.Dir(signalFile))

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	for {
		select {
		case ev := <-watcher.Events:
			if ev.Name != signalFile {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			raw, rerr := os.ReadFile(signalFile)
			if rerr != nil {
				continue
			}
			var doc signalDoc
			if jerr := json.Unmarshal(raw, &doc); jerr != nil {
				continue
			}
			if doc.Event != "idle" {
				continue
			}
			// Give the process a brief moment to exit on its own before
			// racing it; either arrival order is a valid completion per spec.
			select {
			case waitErr := <-exited:
				done <- Outcome{Category: Classify(string(raw), waitErr, patterns), ExitErr: waitErr, FinalPayload: raw, AgentSessionID: sessionID}
			case <-time.After(200 * time.Millisecond):
				done <- Outcome{Category: Success, FinalPayload: raw, AgentSessionID: sessionID}
			}
			return
		case waitErr := <-exited:
			done <- Outcome{Category: Classify("", waitErr, patterns), ExitErr: waitErr, AgentSessionID: sessionID}
			return
		case <-ctx.Done():
			done <- Outcome{Category: UnknownError, ExitErr: ctx.Err(), AgentSessionID: sessionID}
			return
		}
	}
}

func allocatePort() (int, error) {
	for port := opencodePortRangeStart; port <= opencodePortRangeEnd; port++ {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", opencodePortRangeStart, opencodePortRangeEnd)
}
