package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nickcecere/ragsync/internal/config"
	"github.com/nickcecere/ragsync/internal/store"
	"github.com/nickcecere/ragsync/internal/ui"
)

var (
	statesOutput string
	statesYes    bool
)

// statesCmd groups the state inspection commands
var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "Inspect or reset recorded file state",
}

var statesListCmd = &cobra.Command{
	Use:   "list [user]",
	Short: "List recorded files",
	Long: `List the recorded state of every file, deleted ones included.

Examples:
  ragsync states list
  ragsync states list alice --output yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatesList,
}

var statesResetCmd = &cobra.Command{
	Use:   "reset [user]",
	Short: "Forget recorded state and indexed content",
	Long: `Remove the recorded state, both index collections and the summary
mirror of a user, or of every user when none is given. The next scan
treats all files as new.

Examples:
  ragsync states reset alice --yes`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatesReset,
}

func init() {
	statesListCmd.Flags().StringVarP(&statesOutput, "output", "o", "text", "output format (text, yaml)")
	statesResetCmd.Flags().BoolVar(&statesYes, "yes", false, "confirm the reset")

	statesCmd.AddCommand(statesListCmd)
	statesCmd.AddCommand(statesResetCmd)
}

// usersOf returns the given user, or every user known to the state store
// and the mirror.
func usersOf(ctx context.Context, rt *runtime, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}

	users, err := rt.states.Users(ctx)
	if err != nil {
		return nil, err
	}
	mirrored, err := rt.mirror.Users(ctx)
	if err != nil {
		return nil, err
	}
	users = append(users, mirrored...)
	slices.Sort(users)
	return slices.Compact(users), nil
}

func runStatesList(cmd *cobra.Command, args []string) error {
	if statesOutput != "text" && statesOutput != "yaml" {
		return fmt.Errorf("unknown output format %q", statesOutput)
	}

	rt, err := openRuntime(config.Get())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	users, err := usersOf(ctx, rt, args)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	byUser := make(map[string][]store.UserFileState, len(users))
	for _, user := range users {
		states, err := rt.states.List(ctx, user)
		if err != nil {
			return fmt.Errorf("failed to list states of %s: %w", user, err)
		}
		byUser[user] = states
	}

	if statesOutput == "yaml" {
		return writeStatesYAML(cmd.OutOrStdout(), byUser)
	}

	out := cmd.OutOrStdout()
	for _, user := range users {
		fmt.Fprintln(out, ui.SectionTitle.Render(user))
		states := byUser[user]
		if len(states) == 0 {
			fmt.Fprintln(out, ui.Dim.Render("No recorded files."))
			continue
		}
		rows := make([][]string, 0, len(states))
		for _, s := range states {
			rows = append(rows, []string{
				ui.FilePath.Render(s.FileName),
				ui.FormatStatus(string(s.Status)),
				string(s.LastAction),
				formatBytes(s.SizeBytes),
				formatTime(s.LastModified),
				s.Identity,
			})
		}
		fmt.Fprintln(out, ui.Table([]string{"FILE", "STATUS", "ACTION", "SIZE", "MODIFIED", "IDENTITY"}, rows))
	}
	return nil
}

func writeStatesYAML(w io.Writer, byUser map[string][]store.UserFileState) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(byUser); err != nil {
		return fmt.Errorf("failed to encode states: %w", err)
	}
	return enc.Close()
}

func runStatesReset(cmd *cobra.Command, args []string) error {
	if !statesYes {
		return fmt.Errorf("reset removes recorded state and indexed content; pass --yes to confirm")
	}

	rt, err := openRuntime(config.Get())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	users, err := usersOf(ctx, rt, args)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, user := range users {
		states, err := rt.states.Reset(ctx, user)
		if err != nil {
			return err
		}
		chunks, err := rt.index.DropCollection(ctx, store.ChunkCollection(user))
		if err != nil {
			return err
		}
		summaries, err := rt.index.DropCollection(ctx, store.SummaryCollection(user))
		if err != nil {
			return err
		}
		mirrored, err := rt.mirror.Reset(ctx, user)
		if err != nil {
			return err
		}

		log.Debug("Reset user", "user", user, "states", states, "chunks", chunks, "summaries", summaries, "mirror", mirrored)
		fmt.Fprintf(out, "%s %s: %d states, %d chunks, %d summaries, %d mirror entries\n",
			ui.Success.Render("Reset"), ui.Bold.Render(user), states, chunks, summaries, mirrored)
	}
	return nil
}
