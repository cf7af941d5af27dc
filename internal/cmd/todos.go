package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/dispatch"
	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/platform"
	"github.com/miyabi-org/miyabi/internal/supervisor"
)

func Todos() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "todos",
			Short: "Scan the source tree for work markers",
			Long: `List TODO, FIXME, HACK, and NOTE markers found in the source tree.

With --create-issues, each marker is converted into an issue labeled
pending, skipping markers whose title already matches an open item.
Combine with --dry-run to preview what would be filed.

Example:
  miyabi todos
  miyabi todos --path ./internal --exclude "**/testdata/**"
  miyabi todos --create-issues --dry-run
`,
			Args: cobra.NoArgs,
		}, todosFlags, runTodos,
	)
}

var todosFlags = []commandLineFlag{
	pathFlag, excludeFlag, limitFlag, createIssuesFlag, dryRunFlag, ownerFlag, repoFlag,
}

type todosReport struct {
	Root    string              `json:"root"`
	Markers []supervisor.Marker `json:"markers"`
	Created []createdIssue      `json:"created,omitempty"`
}

type createdIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url,omitempty"`
}

func runTodos(ctx *Context, _ []string) error {
	flags := ctx.Command.Flags()
	root, _ := flags.GetString("path")
	excludes, _ := flags.GetStringSlice("exclude")
	limit, _ := flags.GetInt("limit")

	markers, err := supervisor.ScanTodos(root, excludes, limit)
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "cannot scan for markers").
			WithSuggestion("check that --path points at a readable directory")
	}

	report := todosReport{Root: root, Markers: markers}
	message := fmt.Sprintf("%d markers found", len(markers))

	if create, _ := flags.GetBool("create-issues"); create && len(markers) > 0 {
		created, err := fileMarkerIssues(ctx, markers)
		if err != nil {
			return err
		}
		report.Created = created
		message = fmt.Sprintf("%d markers found, %d issues filed", len(markers), len(created))
	}

	return ctx.Emit(report, message, func(w io.Writer) {
		renderTodos(w, report)
	})
}

// fileMarkerIssues converts markers into issues, skipping any whose title
// already matches an open item. Under --dry-run the writes are logged
// instead of sent.
func fileMarkerIssues(ctx *Context, markers []supervisor.Marker) ([]createdIssue, error) {
	owner, repo, _, err := ctx.RepoIdentity()
	if err != nil {
		return nil, err
	}
	gw, err := ctx.Gateway()
	if err != nil {
		return nil, err
	}
	if dryRun, _ := ctx.Command.Flags().GetBool("dry-run"); dryRun {
		gw = dispatch.NewDryRunGateway(gw)
	}

	items, err := gw.ListOpenItems(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]bool, len(items))
	for _, item := range items {
		existing[item.Title] = true
	}

	var created []createdIssue
	for _, m := range markers {
		title := m.IssueTitle()
		if existing[title] {
			continue
		}
		item, err := gw.CreateIssue(ctx, owner, repo, platform.NewIssue{
			Title: title,
			Body:  m.IssueBody(),
			Labels: []string{
				labels.StateLabel(labels.StatePending),
				labels.TypeLabel(m.IssueType()),
			},
		})
		if err != nil {
			return created, err
		}
		existing[title] = true
		created = append(created, createdIssue{
			Number: item.Number,
			Title:  item.Title,
			URL:    item.HTMLURL,
		})
	}
	return created, nil
}

var todosHeader = table.Row{"Location", "Tag", "Text"}

func renderTodos(w io.Writer, report todosReport) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
	if len(report.Markers) == 0 {
		fmt.Fprintf(w, "No markers found under %s\n", report.Root)
		return
	}

	t := table.NewWriter()
	t.AppendHeader(todosHeader)
	for _, m := range report.Markers {
		t.AppendRow(table.Row{
			fmt.Sprintf("%s:%d", m.File, m.Line),
			markerColor(m.Tag),
			clip(m.Text, 72),
		})
	}
	fmt.Fprintln(w, t.Render())

	for _, c := range report.Created {
		if c.Number > 0 {
			fmt.Fprintf(w, "%s filed #%d: %s\n", color.GreenString("✓"), c.Number, c.Title)
		} else {
			fmt.Fprintf(w, "%s would file: %s\n", color.YellowString("~"), c.Title)
		}
	}
}

func markerColor(tag string) string {
	switch tag {
	case "FIXME":
		return color.RedString(tag)
	case "HACK":
		return color.YellowString(tag)
	case "NOTE":
		return color.CyanString(tag)
	default:
		return color.GreenString(tag)
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
