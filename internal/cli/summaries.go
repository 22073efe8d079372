package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/ragsync/internal/config"
	"github.com/nickcecere/ragsync/internal/store"
	"github.com/nickcecere/ragsync/internal/ui"
)

var summariesRaw bool

// summariesCmd represents the summaries command
var summariesCmd = &cobra.Command{
	Use:   "summaries <user> [file]",
	Short: "Show the document summaries of a user",
	Long: `Print the summary mirror of a user, or the summary of one file.

Examples:
  ragsync summaries alice
  ragsync summaries alice report.md --raw`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSummaries,
}

func init() {
	summariesCmd.Flags().BoolVar(&summariesRaw, "raw", false, "print plain text without markdown rendering")
}

func runSummaries(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(config.Get())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	user := args[0]

	var files []store.FileSummary
	if len(args) == 2 {
		f, err := rt.mirror.File(ctx, user, args[1])
		if err != nil {
			return err
		}
		if f == nil {
			return fmt.Errorf("no summary for %s of user %s", args[1], user)
		}
		files = append(files, *f)
	} else {
		doc, err := rt.mirror.Document(ctx, user)
		if err != nil {
			return err
		}
		files = doc.Files
	}

	out := cmd.OutOrStdout()
	if len(files) == 0 {
		fmt.Fprintln(out, ui.Dim.Render("No summaries for "+user))
		return nil
	}

	if summariesRaw {
		for _, f := range files {
			fmt.Fprintf(out, "%s\t%s\t%s\n%s\n\n", f.FileName, f.Status, f.LastUpdated.Format("2006-01-02T15:04:05Z07:00"), f.Summary)
		}
		return nil
	}

	content := summariesMarkdown(user, files)
	rendered, err := renderMarkdown(content)
	if err != nil {
		log.Debug("Markdown rendering failed", "error", err)
		rendered = content
	}
	fmt.Fprint(out, rendered)
	return nil
}

// summariesMarkdown lays out the summaries of a user as one markdown document.
func summariesMarkdown(user string, files []store.FileSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", user)
	for _, f := range files {
		fmt.Fprintf(&b, "## %s\n\n", f.FileName)
		fmt.Fprintf(&b, "*%s, updated %s*\n\n", f.Status, formatTime(f.LastUpdated))
		b.WriteString(strings.TrimSpace(f.Summary))
		b.WriteString("\n\n")
	}
	return b.String()
}

// renderMarkdown renders markdown content for terminal display.
func renderMarkdown(content string) (string, error) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", err
	}
	return renderer.Render(content)
}
