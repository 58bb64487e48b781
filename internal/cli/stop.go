package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ralphrun/ralph/internal/rpc"
)

var stopCmd = &cobra.Command{
	Use:   "stop [TASK]",
	Short: "Stop a running loop",
	Long: `Ask a running loop to stop after its current iteration finishes. Dials
the loop's RPC socket and calls "stop"; exits 1 if no running loop is
found for TASK (spec §6).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	return callControlMethod(args, "stop", "stopped")
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint [TASK]",
	Short: "Checkpoint a running loop",
	Long: `Ask a running loop to checkpoint (record its current iteration and a
reason in the PRD, then stop) after its current iteration finishes. The
current story is not recorded.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheckpoint,
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	return callControlMethod(args, "checkpoint", "checkpoint requested")
}

func callControlMethod(args []string, method, verb string) error {
	taskName, err := resolveTaskName(args)
	if err != nil {
		return newMisuseError("%v", err)
	}

	dir, err := dataDir()
	if err != nil {
		return err
	}
	socketPath := rpc.SocketPath(dir, taskName)

	client, err := rpc.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("no running loop found for %q: %w", taskName, err)
	}
	defer client.Close()

	if _, err := client.Call(method, nil); err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}

	fmt.Printf("%s%s: %s%s\n", styleBoldGreen, taskName, verb, colorReset)
	return nil
}
