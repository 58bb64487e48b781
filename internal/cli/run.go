package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ralphrun/ralph/internal/agent"
	"github.com/ralphrun/ralph/internal/config"
	"github.com/ralphrun/ralph/internal/debug"
	"github.com/ralphrun/ralph/internal/gitctl"
	"github.com/ralphrun/ralph/internal/looprun"
	"github.com/ralphrun/ralph/internal/prd"
	"github.com/ralphrun/ralph/internal/registry"
	"github.com/ralphrun/ralph/internal/rpc"
)

var runCmd = &cobra.Command{
	Use:   "run [TASK_DIR]",
	Short: "Run a loop to completion against a PRD",
	Long: `Drive one PRD through repeated agent iterations until every user story
passes, an iteration budget is exhausted, or the loop is stopped or
checkpointed.

When TASK_DIR is omitted, ralph scans ./tasks/*/prd.json (excluding any
directory named "archived") and either uses the single match or prompts
for a selection.

Examples:
  ralph run tasks/my-feature
  ralph run -i 20 -a claude tasks/my-feature
  ralph run -s tasks/my-feature          # start detached, in the background`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntP("iterations", "i", 0, "Maximum iterations for this run (0 = unlimited)")
	runCmd.Flags().StringP("agent", "a", "", "Agent backend to use (overrides the PRD's stored agent)")
	runCmd.Flags().StringP("model", "m", "", "Model name (accepted; not passed to any agent backend)")
	runCmd.Flags().BoolP("yes", "y", false, "Non-interactive: never prompt, fail instead")
	runCmd.Flags().StringP("prompt-file", "p", "", "Prompt template file (accepted; not read: the prompt is built from the PRD)")
	runCmd.Flags().Bool("foreground", false, "Force foreground execution even with -s")
	runCmd.Flags().BoolP("session", "s", false, "Start detached in the background (use 'ralph attach' to connect)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	taskDir, err := resolveTaskDir(args)
	if err != nil {
		return newMisuseError("%v", err)
	}
	taskDir = strings.TrimRight(taskDir, "/")
	taskName := taskNameFor(taskDir)

	maxIterations, _ := cmd.Flags().GetInt("iterations")
	agentFlag, _ := cmd.Flags().GetString("agent")
	nonInteractive, _ := cmd.Flags().GetBool("yes")
	background, _ := cmd.Flags().GetBool("session")
	foreground, _ := cmd.Flags().GetBool("foreground")
	if foreground {
		background = false
	}

	dir, err := dataDir()
	if err != nil {
		return err
	}
	socketPath := rpc.SocketPath(dir, taskName)

	if background {
		extra := []string{"--iterations", fmt.Sprint(maxIterations)}
		if agentFlag != "" {
			extra = append(extra, "--agent", agentFlag)
		}
		if nonInteractive {
			extra = append(extra, "--yes")
		}
		if err := looprun.StartBackground(taskDir, extra, socketPath); err != nil {
			return fmt.Errorf("starting background loop: %w", err)
		}
		fmt.Printf("\n  %sLoop started in the background%s (task=%s)\n", styleBoldGreen, colorReset, taskName)
		fmt.Printf("  Use %sralph attach %s%s to connect.\n\n", styleBoldWhite, taskName, colorReset)
		return nil
	}

	phase, err := runLoopForeground(cmd.Context(), taskDir, taskName, socketPath, dir, maxIterations, agentFlag, nonInteractive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%sloop failed: %v%s\n", colorRed, err, colorReset)
	}
	switch phase {
	case looprun.PhaseCompleted:
		return nil
	default:
		os.Exit(1)
	}
	return nil
}

// runLoopForeground wires a LoopRunner's dependencies and drives it to
// completion in the calling process. Shared by the foreground `run` path
// and the hidden `_loop-daemon` re-exec entry point.
func runLoopForeground(ctx context.Context, taskDir, taskName, socketPath, dataDirPath string, maxIterations int, agentFlag string, nonInteractive bool) (looprun.Phase, error) {
	backends, err := resolveBackends(taskDir, agentFlag, nonInteractive)
	if err != nil {
		return looprun.PhaseFailed, err
	}

	regPath, err := registry.DefaultPath()
	if err != nil {
		return looprun.PhaseFailed, err
	}
	reg, err := registry.Open(regPath)
	if err != nil {
		return looprun.PhaseFailed, err
	}
	defer reg.Close()

	state := rpc.NewState(taskName, taskDir, backends[0].Name(), maxIterations)
	server := rpc.NewServer(state, rpc.Callbacks{})
	if err := server.Start(dataDirPath, taskName); err != nil {
		return looprun.PhaseFailed, fmt.Errorf("starting rpc server: %w", err)
	}
	defer server.Stop()

	repoRoot, err := os.Getwd()
	if err != nil {
		return looprun.PhaseFailed, err
	}
	repo := gitctl.NewRepo(repoRoot)

	plog, err := looprun.OpenProgressLog(filepath.Join(taskDir, "progress.txt"))
	if err == nil {
		defer plog.Close()
	}

	runner, err := looprun.New(looprun.Config{
		PRDPath:       prdPathFor(taskDir),
		WorkDir:       repoRoot,
		TaskName:      taskName,
		MaxIterations: maxIterations,
		Backends:      backends,
		Registry:      reg,
		RPC:           server,
		Git:           repo,
		ProgressLog:   plog,
	})
	if err != nil {
		return looprun.PhaseFailed, err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sigCh:
			runner.RequestStop()
		case <-runCtx.Done():
		}
	}()

	debug.LogKV("cli.run", "loop starting", "task", taskName, "task_dir", taskDir, "max_iterations", maxIterations)
	return runner.Run(runCtx)
}

// resolveBackends builds the failover-ordered backend list: the -a flag
// wins, then the PRD's stored agent, then the configured default order
// (spec §4.5 step 5).
func resolveBackends(taskDir, agentFlag string, nonInteractive bool) ([]agent.Backend, error) {
	order := []string{}
	if agentFlag != "" {
		order = append(order, agentFlag)
	}

	if doc, err := prd.Load(prdPathFor(taskDir)); err == nil && doc.Agent != "" {
		order = append(order, doc.Agent)
	}

	cfg, err := config.Load()
	if err == nil {
		order = append(order, cfg.DefaultAgentOrder...)
	} else {
		order = append(order, agent.Names()...)
	}

	seen := map[string]bool{}
	var backends []agent.Backend
	for _, name := range order {
		if seen[name] {
			continue
		}
		seen[name] = true
		override := ""
		if cfg != nil {
			override = cfg.Agents[name].Path
		}
		b, err := agent.New(name, override)
		if err != nil {
			continue
		}
		backends = append(backends, b)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no usable agent backend configured")
	}

	available := false
	for _, b := range backends {
		if b.IsAvailable() {
			available = true
			break
		}
	}
	if !available {
		if nonInteractive {
			return nil, fmt.Errorf("no configured agent backend is available on PATH")
		}
		fmt.Printf("%sWarning: no configured agent backend is currently available on PATH.%s\n", styleBoldYellow, colorReset)
	}

	return backends, nil
}
