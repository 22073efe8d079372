package cli

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/ragsync/internal/config"
	"github.com/nickcecere/ragsync/internal/ui"
)

var scanDrain bool

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan [user...]",
	Short: "Detect file changes now",
	Long: `Compare the files on disk with the recorded state and dispatch the
changes to the extraction and ingestion queues.

Without arguments, one scan task is queued for every user directory. With
users, each one is scanned directly and the changes are printed.

Examples:
  # Queue a scan of every user
  ragsync scan

  # Scan two users and process the resulting tasks
  ragsync scan alice bob --drain`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanDrain, "drain", false, "process all queued tasks before returning")
}

func runScan(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(config.Get())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		n, err := rt.orchestrator.Discover(ctx)
		if err != nil {
			return fmt.Errorf("discovery failed: %w", err)
		}
		fmt.Fprintf(out, "Queued scans for %s users\n", ui.FormatCount(n, ui.Highlight))
	}

	for _, user := range args {
		report, err := rt.orchestrator.Scan(ctx, user)
		if err != nil {
			return fmt.Errorf("scan of %s failed: %w", user, err)
		}

		fmt.Fprintf(out, "%s %s\n", ui.Highlight.Render("User:"), ui.Bold.Render(user))
		fmt.Fprintf(out, "  %s %d found, %d skipped, %s\n",
			ui.Dim.Render("Files:"),
			report.Stats.FilesFound,
			report.Stats.FilesSkipped,
			formatBytes(report.Stats.TotalBytes),
		)
		fmt.Fprintf(out, "  %s %s added, %s modified, %s deleted\n",
			ui.Dim.Render("Changes:"),
			ui.FormatCount(report.Added, ui.Success),
			ui.FormatCount(report.Modified, ui.Warning),
			ui.FormatCount(report.Deleted, ui.Error),
		)
		if report.Redispatched > 0 {
			fmt.Fprintf(out, "  %s %d changes of an earlier scan\n", ui.Dim.Render("Redispatched:"), report.Redispatched)
		}
		if report.Dispatched < report.Changes() {
			fmt.Fprintf(out, "  %s\n", ui.Warning.Render(
				fmt.Sprintf("%d of %d changes could not be dispatched", report.Changes()-report.Dispatched, report.Changes())))
		}
	}

	if scanDrain {
		log.Info("Draining queues")
		return rt.drain(ctx)
	}
	return nil
}

// formatBytes formats bytes as human-readable string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
