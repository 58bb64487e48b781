package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:     "clean",
	Aliases: []string{"cleanup", "gc"},
	Short:   "Mark orphaned loops as failed",
	Long: `Scan the registry for loops still marked "running" whose process has
died without updating its status (a crash, an unclean kill), and mark
each as failed/orphaned. Always exits 0 (spec §6).`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		fmt.Printf("%sNothing to clean (%v).%s\n", colorDim, err, colorReset)
		return nil
	}
	defer reg.Close()

	cleaned, err := reg.Clean()
	if err != nil {
		fmt.Printf("%sclean failed: %v%s\n", colorRed, err, colorReset)
		return nil
	}
	if cleaned == 0 {
		fmt.Printf("%sNo orphaned loops found.%s\n", colorDim, colorReset)
		return nil
	}
	fmt.Printf("%sMarked %d orphaned loop(s) as failed.%s\n", styleBoldGreen, cleaned, colorReset)
	return nil
}
