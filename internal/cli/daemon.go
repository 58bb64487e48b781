package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ralphrun/ralph/internal/looprun"
	"github.com/ralphrun/ralph/internal/rpc"
)

// loopDaemonCmd is the hidden re-exec target `looprun.StartBackground`
// forks into: `ralph _loop-daemon --task-dir DIR [flags]`. It runs the same
// foreground loop as `run`, just detached (no controlling terminal, own
// session), per spec §4.5's background-mode supervisor-child design.
var loopDaemonCmd = &cobra.Command{
	Use:    "_loop-daemon",
	Hidden: true,
	RunE:   runLoopDaemon,
}

func init() {
	loopDaemonCmd.Flags().String("task-dir", "", "Task directory containing prd.json")
	loopDaemonCmd.Flags().IntP("iterations", "i", 0, "Maximum iterations (0 = unlimited)")
	loopDaemonCmd.Flags().StringP("agent", "a", "", "Agent backend to use")
	loopDaemonCmd.Flags().BoolP("yes", "y", false, "Non-interactive: never prompt, fail instead")
	_ = loopDaemonCmd.MarkFlagRequired("task-dir")
	rootCmd.AddCommand(loopDaemonCmd)
}

func runLoopDaemon(cmd *cobra.Command, args []string) error {
	taskDir, _ := cmd.Flags().GetString("task-dir")
	maxIterations, _ := cmd.Flags().GetInt("iterations")
	agentFlag, _ := cmd.Flags().GetString("agent")
	nonInteractive, _ := cmd.Flags().GetBool("yes")
	taskName := taskNameFor(taskDir)

	dir, err := dataDir()
	if err != nil {
		return err
	}
	socketPath := rpc.SocketPath(dir, taskName)

	phase, err := runLoopForeground(cmd.Context(), taskDir, taskName, socketPath, dir, maxIterations, agentFlag, nonInteractive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loop daemon failed: %v\n", err)
	}
	if phase != looprun.PhaseCompleted {
		os.Exit(1)
	}
	return nil
}
