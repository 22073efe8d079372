package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nickcecere/ragsync/internal/config"
	"github.com/nickcecere/ragsync/internal/fs"
	"github.com/nickcecere/ragsync/internal/store"
	"github.com/nickcecere/ragsync/internal/store/migrations"
	"github.com/nickcecere/ragsync/internal/ui"
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Diagnose the storage root and databases",
	Long: `Verify that the storage root is readable, list the user directories
with the number of files each would contribute, and check that every
database exists at the current schema version.

Nothing is modified.`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	problems := 0

	fmt.Fprintln(out, ui.Header.Render("Storage"))
	scanner, err := fs.NewScanner(cfg.Storage.Root, fs.ScanOptions{IgnorePatterns: cfg.Ignore})
	if err != nil {
		problems++
		fmt.Fprintf(out, "%s %s\n", ui.Error.Render("✗"), err)
	} else {
		fmt.Fprintf(out, "%s %s\n", ui.Success.Render("✓"), ui.FilePath.Render(scanner.Root()))

		users, err := scanner.ListUsers()
		if err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}
		if len(users) == 0 {
			fmt.Fprintln(out, ui.Warning.Render("No user directories found."))
		}

		rows := make([][]string, 0, len(users))
		for _, user := range users {
			files, stats, err := scanner.ScanUser(ctx, user)
			if err != nil {
				problems++
				rows = append(rows, []string{user, ui.Error.Render(err.Error()), "", ""})
				continue
			}
			rows = append(rows, []string{
				user,
				ui.FormatCount(len(files), ui.Success),
				ui.FormatCount(stats.FilesSkipped, ui.Dim),
				formatBytes(stats.TotalBytes),
			})
		}
		if len(rows) > 0 {
			fmt.Fprintln(out, ui.Table([]string{"USER", "FILES", "SKIPPED", "SIZE"}, rows))
		}
	}

	fmt.Fprintln(out, ui.Header.Render("Databases"))
	dbs := []struct {
		path string
		set  migrations.Set
	}{
		{cfg.Database.StatePath, migrations.State},
		{cfg.Database.IndexPath, migrations.Index},
		{cfg.Database.MirrorPath, migrations.Mirror},
		{cfg.Database.QueuePath, migrations.Queue},
	}
	rows := make([][]string, 0, len(dbs))
	for _, db := range dbs {
		size, status := "-", ui.Success.Render("ok")
		if info, err := os.Stat(db.path); err == nil {
			size = formatBytes(info.Size())
		}

		if err := store.CheckSchema(db.path, db.set); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				status = ui.Dim.Render("not created yet")
			} else {
				problems++
				status = ui.Error.Render(err.Error())
			}
		}
		rows = append(rows, []string{string(db.set), ui.FilePath.Render(db.path), size, status})
	}
	fmt.Fprintln(out, ui.Table([]string{"DATABASE", "PATH", "SIZE", "STATUS"}, rows))

	if problems > 0 {
		return fmt.Errorf("%d problems found", problems)
	}
	fmt.Fprintln(out, ui.Success.Render("All checks passed"))
	return nil
}
