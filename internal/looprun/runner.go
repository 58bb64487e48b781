// Package looprun implements the LoopRunner: the state machine that drives
// one PRD from its first unfinished user story through to completion (or
// checkpoint, or stop, or failure), spawning one AgentBackend iteration per
// story attempt. Grounded on spec's Component Design for the LoopRunner,
// adapted from adaf's internal/loop.Loop (OnStart/OnEnd hook idiom, turn
// bookkeeping) generalized from a single-session turn loop to a
// multi-iteration, PRD-driven run, and from
// _examples/original_source/src/ralph_uv/session.py for the
// start/stop/checkpoint/cleanup lifecycle verbs (tmux/opencode-server
// session management there becomes PTY-backed AgentBackend iterations
// here).
package looprun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ralphrun/ralph/internal/agent"
	"github.com/ralphrun/ralph/internal/debug"
	"github.com/ralphrun/ralph/internal/gitctl"
	"github.com/ralphrun/ralph/internal/interactive"
	"github.com/ralphrun/ralph/internal/prd"
	"github.com/ralphrun/ralph/internal/registry"
	"github.com/ralphrun/ralph/internal/rpc"
)

// Phase is one of the LoopRunner's states.
type Phase string

const (
	PhaseInitializing  Phase = "initializing"
	PhaseIterating     Phase = "iterating"
	PhaseCheckpointed  Phase = "checkpointed"
	PhaseStopped       Phase = "stopped"
	PhaseCompleted     Phase = "completed"
	PhaseFailed        Phase = "failed"
)

// ErrNoEligibleStory is returned when the PRD has unfinished stories but
// none are currently eligible (all blocked), distinct from AllPass().
var ErrNoEligibleStory = errors.New("looprun: no eligible story and PRD is not complete")

// Config carries everything one LoopRunner instance needs.
type Config struct {
	PRDPath       string
	WorkDir       string
	TaskName      string
	MaxIterations int // 0 means unlimited

	// Backends is the failover-ordered list of candidate AgentBackends.
	// The first IsAvailable() one is tried; on any outcome other than
	// Success the runner advances to the next backend for the next iteration.
	Backends []agent.Backend

	Interactive bool

	Registry *registry.Registry
	RPC      *rpc.Server
	Git      *gitctl.Repo

	ProgressLog *ProgressLog
}

// Runner drives one PRD to completion.
type Runner struct {
	cfg Config

	mu        sync.Mutex
	prdDoc    *prd.PRD
	phase     Phase
	iteration int
	backendIx int

	interactiveCtl *interactive.Controller

	stopRequested       atomic.Bool
	checkpointRequested atomic.Bool

	injectedPrompt atomic.Value // string
}

// New constructs a Runner. It does not start iterating until Run is called.
func New(cfg Config) (*Runner, error) {
	doc, err := prd.Load(cfg.PRDPath)
	if err != nil {
		return nil, fmt.Errorf("looprun: loading PRD: %w", err)
	}
	if len(cfg.Backends) == 0 {
		return nil, errors.New("looprun: at least one backend is required")
	}

	r := &Runner{cfg: cfg, prdDoc: doc, phase: PhaseInitializing}
	r.injectedPrompt.Store("")

	if cfg.RPC != nil {
		cfg.RPC.Callbacks = rpc.Callbacks{
			OnStop:       r.RequestStop,
			OnCheckpoint: r.RequestCheckpoint,
			OnSetInteractive: func(enabled bool) {
				if r.interactiveCtl != nil {
					_, _ = r.interactiveCtl.SetMode(enabled)
				}
			},
			OnWritePTY: r.forwardKeystrokes,
		}
	}

	return r, nil
}

// Phase returns the runner's current phase.
func (r *Runner) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *Runner) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
	if r.cfg.RPC != nil {
		r.cfg.RPC.UpdateState(map[string]any{"status": string(p)})
	}
}

// RequestStop asks the runner to stop after the current iteration finishes.
func (r *Runner) RequestStop() { r.stopRequested.Store(true) }

// RequestCheckpoint asks the runner to checkpoint after the current
// iteration finishes.
func (r *Runner) RequestCheckpoint() { r.checkpointRequested.Store(true) }

// InjectPrompt prepends extra instructions to the next built prompt.
func (r *Runner) InjectPrompt(text string) { r.injectedPrompt.Store(text) }

var activeHandle struct {
	mu sync.Mutex
	h  *agent.Handle
}

func (r *Runner) forwardKeystrokes(data string) {
	activeHandle.mu.Lock()
	h := activeHandle.h
	activeHandle.mu.Unlock()
	if h == nil {
		return
	}
	_, _ = h.Write([]byte(data))
}

// Run drives iterations until the PRD completes, a stop/checkpoint is
// requested, maxIterations is exhausted, or an unrecoverable failure
// occurs. It returns the terminal phase and any error.
func (r *Runner) Run(ctx context.Context) (Phase, error) {
	if r.cfg.Git != nil {
		if err := r.cfg.Git.EnsureBranch(ctx, r.prdDoc.BranchName); err != nil {
			r.setPhase(PhaseFailed)
			return PhaseFailed, fmt.Errorf("looprun: ensuring branch: %w", err)
		}
	}

	// If the loaded PRD is already checkpointed (a prior run stopped at
	// "awaiting_decision" or was interrupted mid-loop), resume iteration
	// counting from where it left off and clear the checkpoint block.
	// ClearCheckpoint is a no-op when the PRD isn't checkpointed, so this
	// is always safe to attempt.
	if resumeFrom, had := r.prdDoc.ClearCheckpoint(); had {
		r.iteration = resumeFrom
		_ = r.prdDoc.Save(r.cfg.PRDPath)
	}

	r.setPhase(PhaseIterating)

	for {
		if r.prdDoc.AllPass() {
			return r.finish(PhaseCompleted, nil)
		}

		if r.cfg.MaxIterations > 0 && r.iteration >= r.cfg.MaxIterations {
			return r.finish(PhaseStopped, nil)
		}

		select {
		case <-ctx.Done():
			return r.finish(PhaseStopped, ctx.Err())
		default:
		}

		if r.stopRequested.Load() {
			return r.finish(PhaseStopped, nil)
		}
		if r.checkpointRequested.Load() {
			r.prdDoc.SetCheckpoint(r.iteration, "checkpoint requested")
			if err := r.prdDoc.Save(r.cfg.PRDPath); err != nil {
				return r.finish(PhaseFailed, err)
			}
			return r.finish(PhaseCheckpointed, nil)
		}

		story := r.prdDoc.SelectStory()
		if story == nil {
			if files := r.prdDoc.PendingDecisionFiles(); len(files) > 0 {
				debug.LogKV("looprun", "blocked on decision gate", "files", fmt.Sprint(files))
				r.prdDoc.SetCheckpoint(r.iteration, "awaiting_decision")
				if err := r.prdDoc.Save(r.cfg.PRDPath); err != nil {
					return r.finish(PhaseFailed, err)
				}
				return r.finish(PhaseCheckpointed, nil)
			}
			return r.finish(PhaseFailed, ErrNoEligibleStory)
		}

		if r.cfg.RPC != nil {
			r.cfg.RPC.UpdateState(map[string]any{
				"iteration":     r.iteration,
				"current_story": story.ID,
			})
		}

		outcome, completed, err := r.runIteration(ctx, story)
		r.iteration++

		if r.cfg.Registry != nil {
			rec := registry.Record{
				TaskName:      r.cfg.TaskName,
				TaskDir:       r.cfg.WorkDir,
				Status:        registry.StatusRunning,
				LastIteration: r.iteration,
			}
			_ = r.cfg.Registry.Upsert(rec, true)
		}

		if err != nil {
			return r.finish(PhaseFailed, err)
		}

		if outcome != agent.Success {
			r.advanceBackend()
		}

		// Reload the PRD: the agent is expected to have edited acceptance
		// criteria in place during its iteration.
		reloaded, rerr := prd.Load(r.cfg.PRDPath)
		if rerr == nil {
			reloaded.Recompute()
			_ = reloaded.Save(r.cfg.PRDPath)
			r.prdDoc = reloaded
		}

		if completed && r.prdDoc.AllPass() {
			return r.finish(PhaseCompleted, nil)
		}
	}
}

// finish performs terminal bookkeeping (registry status, merge-to-target)
// and returns the given phase/error.
func (r *Runner) finish(p Phase, err error) (Phase, error) {
	r.setPhase(p)

	if r.cfg.Registry != nil {
		status := registry.StatusStopped
		reason := ""
		switch p {
		case PhaseCompleted:
			status = registry.StatusCompleted
		case PhaseFailed:
			status = registry.StatusFailed
			if err != nil {
				reason = err.Error()
			}
		case PhaseCheckpointed:
			status = registry.StatusCheckpointed
		}
		_ = r.cfg.Registry.MarkTerminal(r.cfg.TaskName, status, reason)
	}

	if p == PhaseCompleted && r.prdDoc.MergeTarget != "" {
		switch {
		case r.cfg.Git != nil && r.prdDoc.AutoMerge:
			if _, merr := r.cfg.Git.MergeToTarget(context.Background(), r.prdDoc.BranchName, r.prdDoc.MergeTarget); merr != nil {
				debug.LogKV("looprun", "auto-merge failed", "error", merr)
			}
		case !r.prdDoc.AutoMerge && r.cfg.ProgressLog != nil:
			r.cfg.ProgressLog.Append(fmt.Sprintf("ready to merge: branch %q is complete and ready to merge into %q", r.prdDoc.BranchName, r.prdDoc.MergeTarget))
		}
	}

	if r.cfg.RPC != nil {
		r.cfg.RPC.Stop()
	}

	return p, err
}

func (r *Runner) advanceBackend() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backendIx = (r.backendIx + 1) % len(r.cfg.Backends)
}

func (r *Runner) currentBackend() agent.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := r.backendIx
	for i := 0; i < len(r.cfg.Backends); i++ {
		idx := (start + i) % len(r.cfg.Backends)
		if r.cfg.Backends[idx].IsAvailable() {
			r.backendIx = idx
			return r.cfg.Backends[idx]
		}
	}
	return r.cfg.Backends[start]
}

// runIteration spawns one agent iteration for story and waits for its
// outcome, streaming output to the progress log and any RPC subscribers.
// completed reports whether the agent signalled overall completion via
// the literal completion marker (spec's "exit the loop entirely" signal).
func (r *Runner) runIteration(ctx context.Context, story *prd.UserStory) (agent.Category, bool, error) {
	backend := r.currentBackend()
	backend.SetOutputSink(func(line string) {
		if r.cfg.ProgressLog != nil {
			r.cfg.ProgressLog.Append(line)
		}
		if r.cfg.RPC != nil {
			r.cfg.RPC.AppendOutput(line)
		}
	})

	prompt := r.buildPrompt(story)
	injected := r.injectedPrompt.Swap("").(string)
	if injected != "" {
		prompt = injected + "\n\n" + prompt
	}

	spawnCfg := agent.Config{
		Prompt:      prompt,
		WorkDir:     r.cfg.WorkDir,
		Interactive: r.cfg.Interactive,
	}

	h, err := backend.SpawnIteration(ctx, spawnCfg)
	if err != nil {
		return agent.UnknownError, false, fmt.Errorf("looprun: spawning %s: %w", backend.Name(), err)
	}

	activeHandle.mu.Lock()
	activeHandle.h = h
	activeHandle.mu.Unlock()
	defer func() {
		activeHandle.mu.Lock()
		activeHandle.h = nil
		activeHandle.mu.Unlock()
	}()

	if r.interactiveCtl == nil {
		r.interactiveCtl = interactive.New(h, func(field string, value bool) {
			if r.cfg.RPC != nil {
				r.cfg.RPC.UpdateState(map[string]any{field: value})
			}
		})
	}

	if r.cfg.ProgressLog != nil {
		r.cfg.ProgressLog.Append(fmt.Sprintf("--- iteration %d: story %s via %s ---", r.iteration, story.ID, backend.Name()))
	}

	select {
	case out := <-h.Wait():
		if r.cfg.ProgressLog != nil {
			r.cfg.ProgressLog.Append(fmt.Sprintf("iteration %d result: %s", r.iteration, out.Category))
		}
		completed := out.Category == agent.Success && agent.HasCompletionMarker(out.FinalPayload)
		return out.Category, completed, nil
	case <-ctx.Done():
		_ = h.Interrupt()
		select {
		case <-h.Wait():
		case <-time.After(agent.Grace):
			_ = h.Kill()
		}
		return agent.UnknownError, false, ctx.Err()
	}
}
