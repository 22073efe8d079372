package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/ragsync/internal/config"
	"github.com/nickcecere/ragsync/internal/pipeline"
	"github.com/nickcecere/ragsync/internal/queue"
	"github.com/nickcecere/ragsync/internal/store"
	"github.com/nickcecere/ragsync/internal/ui"
)

var statusDead bool

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, state and index statistics",
	Long: `Display the health of the pipeline:
- Pending, running and dead tasks per queue
- Active and deleted files per user
- Records per index collection

Examples:
  # Overview
  ragsync status

  # Also list tasks whose retries are exhausted
  ragsync status --dead`,
	RunE: runStatus,
}

// requeueCmd represents the requeue command
var requeueCmd = &cobra.Command{
	Use:   "requeue <task-id>",
	Short: "Return a dead task to its queue",
	Long: `Reset the attempts of a dead task and make it pending again.

Examples:
  ragsync status --dead
  ragsync requeue 0b6f1c52-5d0e-4a57-a3b4-0c2c4b7f1c1e`,
	Args: cobra.ExactArgs(1),
	RunE: runRequeue,
}

func init() {
	statusCmd.Flags().BoolVar(&statusDead, "dead", false, "list dead tasks")
}

func runStatus(cmd *cobra.Command, args []string) error {
	log.Debug("Showing status", "dead", statusDead)

	cfg := config.Get()
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	// Queues
	stats, err := rt.broker.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue stats: %w", err)
	}
	fmt.Fprintln(out, ui.Header.Render("Queues"))
	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, []string{
			s.Queue,
			ui.FormatCount(s.Pending, ui.Warning),
			ui.FormatCount(s.Running, ui.Highlight),
			ui.FormatCount(s.Dead, ui.Error),
		})
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, ui.Dim.Render("No tasks."))
	} else {
		fmt.Fprintln(out, ui.Table([]string{"QUEUE", "PENDING", "RUNNING", "DEAD"}, rows))
	}

	// Users
	users, err := rt.states.Users(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	fmt.Fprintln(out, ui.Header.Render("Users"))
	if len(users) == 0 {
		fmt.Fprintln(out, ui.Dim.Render("No recorded files. Run 'ragsync scan' to create them."))
	} else {
		rows = rows[:0]
		for _, user := range users {
			states, err := rt.states.List(ctx, user)
			if err != nil {
				log.Warn("Failed to list states", "user", user, "error", err)
				continue
			}
			active, deleted := 0, 0
			var last time.Time
			for _, s := range states {
				if s.Status == store.StatusActive {
					active++
				} else {
					deleted++
				}
				if s.LastModified.After(last) {
					last = s.LastModified
				}
			}
			rows = append(rows, []string{
				user,
				ui.FormatCount(active, ui.Success),
				ui.FormatCount(deleted, ui.Dim),
				formatTime(last),
			})
		}
		fmt.Fprintln(out, ui.Table([]string{"USER", "ACTIVE", "DELETED", "LAST CHANGE"}, rows))
	}

	// Index
	collections, err := rt.index.Collections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	fmt.Fprintln(out, ui.Header.Render("Index"))
	if len(collections) == 0 {
		fmt.Fprintln(out, ui.Dim.Render("Empty."))
	} else {
		rows = rows[:0]
		for _, c := range collections {
			rows = append(rows, []string{
				c.Name,
				strconv.Itoa(c.Records),
				strconv.Itoa(c.WithVector),
			})
		}
		fmt.Fprintln(out, ui.Table([]string{"COLLECTION", "RECORDS", "EMBEDDED"}, rows))
		fmt.Fprintf(out, "%s %d\n", ui.Dim.Render("Dimensions:"), rt.index.Dimensions())
	}

	if statusDead {
		if err := printDeadTasks(cmd, rt.broker); err != nil {
			return err
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, ui.Dim.Render("Configuration:"))
	fmt.Fprintf(out, "  Storage root: %s\n", rt.scanner.Root())
	fmt.Fprintf(out, "  Embedding Provider: %s\n", cfg.Embeddings.Provider)
	fmt.Fprintf(out, "  LLM Provider: %s\n", cfg.LLM.Provider)

	return nil
}

func printDeadTasks(cmd *cobra.Command, broker *queue.Broker) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, ui.Header.Render("Dead Tasks"))

	var rows [][]string
	for _, name := range []string{pipeline.ScanQueue, pipeline.ExtractionQueue, pipeline.IngestionQueue} {
		tasks, err := broker.DeadTasks(cmd.Context(), name)
		if err != nil {
			return fmt.Errorf("failed to list dead tasks: %w", err)
		}
		for _, t := range tasks {
			rows = append(rows, []string{
				t.ID,
				t.Queue,
				strconv.Itoa(t.Attempts),
				formatTime(t.CreatedAt),
				ui.Error.Render(t.LastError),
			})
		}
	}

	if len(rows) == 0 {
		fmt.Fprintln(out, ui.Dim.Render("None."))
		return nil
	}
	fmt.Fprintln(out, ui.Table([]string{"ID", "QUEUE", "ATTEMPTS", "CREATED", "ERROR"}, rows))
	return nil
}

func runRequeue(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(config.Get())
	if err != nil {
		return err
	}
	defer rt.Close()

	id := args[0]
	if err := rt.broker.Requeue(cmd.Context(), id); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ui.Success.Render("Requeued"), id)
	return nil
}

// formatTime formats a time for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}

	// If today, show time only
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return "today at " + t.Format("15:04")
	}

	// If this year, omit year
	if t.Year() == now.Year() {
		return t.Format("Jan 2 at 15:04")
	}

	return t.Format("Jan 2, 2006 at 15:04")
}
