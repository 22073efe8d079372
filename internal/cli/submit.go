package cli

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/ragsync/internal/config"
	"github.com/nickcecere/ragsync/internal/ui"
)

var submitDrain bool

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit <path>...",
	Short: "Queue specific files for ingestion",
	Long: `Record the given files and queue them for extraction without waiting
for the next scan. A file that is already recorded is re-ingested.

Paths must lie in a user's files directory under the storage root.

Examples:
  ragsync submit /srv/storage/alice/files/report.md
  ragsync submit --drain /srv/storage/bob/files/*.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().BoolVar(&submitDrain, "drain", false, "process all queued tasks before returning")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(config.Get())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	report, err := rt.orchestrator.Submit(ctx, args)
	if err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Submitted %s files", ui.FormatCount(report.Submitted, ui.Success))
	if report.Skipped > 0 {
		fmt.Fprintf(out, ", %s skipped", ui.FormatCount(report.Skipped, ui.Warning))
	}
	fmt.Fprintln(out)

	if submitDrain {
		log.Info("Draining queues")
		return rt.drain(ctx)
	}
	return nil
}
