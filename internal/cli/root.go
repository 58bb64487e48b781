// Package cli implements ralph's command table: run, status, stop,
// checkpoint, attach, clean, and --init, each a thin wrapper over
// internal/prd, internal/registry, internal/rpc, and internal/looprun.
// Grounded on adaf's internal/cli/root.go (cobra root command, banner,
// persistent --debug flag, colorized error reporting).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ralphrun/ralph/internal/buildinfo"
	"github.com/ralphrun/ralph/internal/debug"
)

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Ralph: an orchestrator for autonomous coding loops",
	Long: colorBold + `
  ____        _       _
 |  _ \ __ _ | |_ __ | |__
 | |_) / _` + "`" + ` || '_ \| '_ \
 |  _ < (_| || |_) | | | |
 |_| \_\__,_||_.__/|_| |_|` + colorReset + `

  ` + styleBoldCyan + `Autonomous coding loops` + colorReset + ` v` + buildinfo.Current().Version + `

  Ralph drives an external coding agent (claude, opencode) through repeated
  iterations against a Product Requirements Document until every user story
  is complete, or an iteration budget is exhausted.

` + colorBold + `Getting started:` + colorReset + `
  ralph --init                    Scaffold the user config and data directories
  ralph run tasks/my-feature      Run a loop to completion, in the foreground
  ralph run -s tasks/my-feature   Start a loop in the background
  ralph status                    List known loops
  ralph attach my-feature         Attach to a running loop
  ralph stop my-feature           Stop a running loop
  ralph checkpoint my-feature     Checkpoint a running loop

` + colorBold + `Supported agents:` + colorReset + `
  claude, opencode`,

	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.ralph/debug/")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		bi := buildinfo.Current()
		debug.LogKV("cli", "ralph starting",
			"version", bi.Version,
			"commit", bi.CommitHash,
			"build_date", bi.BuildDate,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()

	// --init is a bare top-level flag (spec §6), handled before cobra's
	// own flag parsing so it never needs to pretend to be a subcommand.
	if len(os.Args) > 1 && os.Args[1] == "--init" {
		if err := runScaffold(); err != nil {
			fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
			os.Exit(1)
		}
		return
	}

	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		if misuseErr, ok := err.(*misuseError); ok {
			_ = misuseErr
			os.Exit(2)
		}
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}

// misuseError marks a command-line usage error, exit code 2 per spec §6's
// "run" exit-code table.
type misuseError struct{ error }

func newMisuseError(format string, args ...any) error {
	return &misuseError{fmt.Errorf(format, args...)}
}
