package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ralphrun/ralph/internal/registry"
)

var (
	statusHeaderStyle     = lipgloss.NewStyle().Bold(true)
	statusRunningStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	statusCompletedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	statusFailedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusCheckpointStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	statusDimStyle        = lipgloss.NewStyle().Faint(true)
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"ls", "list"},
	Short:   "List known loops",
	Long: `Print a table of every loop ralph knows about: running, stopped,
completed, checkpointed, and failed. Always exits 0 (spec §6).`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		fmt.Printf("%sNo loops recorded yet (%v).%s\n", colorDim, err, colorReset)
		return nil
	}
	defer reg.Close()

	recs, err := reg.List(registry.Filter{})
	if err != nil {
		fmt.Printf("%sError reading registry: %v%s\n", colorRed, err, colorReset)
		return nil
	}
	if len(recs) == 0 {
		fmt.Printf("%sNo loops recorded yet. Run 'ralph run TASK_DIR' to start one.%s\n", colorDim, colorReset)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, statusHeaderStyle.Render("TASK\tSTATUS\tAGENT\tITERATION\tUPDATED"))
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			rec.TaskName,
			statusStyle(rec.Status).Render(rec.Status),
			rec.Agent,
			rec.LastIteration,
			rec.UpdatedAt.Format(time.RFC3339),
		)
	}
	return w.Flush()
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case registry.StatusRunning:
		return statusRunningStyle
	case registry.StatusCompleted:
		return statusCompletedStyle
	case registry.StatusFailed:
		return statusFailedStyle
	case registry.StatusCheckpointed:
		return statusCheckpointStyle
	default:
		return statusDimStyle
	}
}
