package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/miyabi-org/miyabi/internal/build"
	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/platform"
)

func Status() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show the repository's coordination state",
			Long: `Summarize the open work items by lifecycle state, the remaining
platform API budget, and whether a newer release of this tool is available.

Example:
  miyabi status
  miyabi status --owner miyabi-org --repo miyabi --json
`,
			Args: cobra.NoArgs,
		}, statusFlags, runStatus,
	)
}

var statusFlags = []commandLineFlag{ownerFlag, repoFlag}

// StatusReport is the status command's data payload.
type StatusReport struct {
	Owner        string              `json:"owner"`
	Repo         string              `json:"repo"`
	OpenItems    int                 `json:"openItems"`
	PullRequests int                 `json:"pullRequests"`
	States       map[string]int      `json:"states"`
	RateLimit    *platform.RateLimit `json:"rateLimit,omitempty"`
	Release      *ReleaseStatus      `json:"release,omitempty"`
}

// ReleaseStatus compares the running binary against the latest release.
type ReleaseStatus struct {
	Current  string `json:"current"`
	Latest   string `json:"latest"`
	Outdated bool   `json:"outdated"`
}

func runStatus(ctx *Context, _ []string) error {
	owner, repo, _, err := ctx.RepoIdentity()
	if err != nil {
		return err
	}

	gw, err := ctx.Gateway()
	if err != nil {
		return err
	}

	items, err := gw.ListOpenItems(ctx, owner, repo)
	if err != nil {
		return err
	}

	report := buildStatusReport(owner, repo, items)

	// Both extras are best-effort: a stale budget or an unreachable release
	// feed must not fail the command.
	if rate, err := gw.GetRateLimit(ctx); err == nil {
		report.RateLimit = rate
	} else {
		logger.Warn(ctx, "Rate limit lookup failed", tag.Error(err))
	}
	if release, err := gw.LatestRelease(ctx); err == nil && release != nil {
		report.Release = compareRelease(build.Version, release.TagName)
	}

	message := fmt.Sprintf("%d open items, %d open pull requests", report.OpenItems, report.PullRequests)
	return ctx.Emit(report, message, func(w io.Writer) {
		renderStatus(w, report)
	})
}

func buildStatusReport(owner, repo string, items []platform.WorkItem) StatusReport {
	report := StatusReport{Owner: owner, Repo: repo, States: make(map[string]int)}
	for i := range items {
		if items[i].IsPullRequest() {
			report.PullRequests++
			continue
		}
		report.OpenItems++
		report.States[string(labels.StateOf(items[i].LabelNames()))]++
	}
	return report
}

// compareRelease parses both sides leniently; an unparsable version just
// disables the comparison.
func compareRelease(current, latest string) *ReleaseStatus {
	rs := &ReleaseStatus{Current: current, Latest: latest}
	cv, err := semver.NewVersion(strings.TrimPrefix(current, "v"))
	if err != nil {
		return rs
	}
	lv, err := semver.NewVersion(strings.TrimPrefix(latest, "v"))
	if err != nil {
		return rs
	}
	rs.Outdated = lv.GreaterThan(cv)
	return rs
}

var statusHeader = table.Row{"State", "Items"}

func renderStatus(w io.Writer, report StatusReport) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

	fmt.Fprintf(w, "%s/%s: %d open items, %d open pull requests\n\n",
		report.Owner, report.Repo, report.OpenItems, report.PullRequests)

	t := table.NewWriter()
	t.AppendHeader(statusHeader)
	for _, s := range labels.States {
		if n := report.States[string(s)]; n > 0 {
			t.AppendRow(table.Row{string(s), n})
		}
	}
	fmt.Fprintln(w, t.Render())

	if report.RateLimit != nil {
		fmt.Fprintf(w, "\nAPI budget: %d/%d remaining (resets %s)\n",
			report.RateLimit.Remaining, report.RateLimit.Limit,
			report.RateLimit.Reset.Local().Format(time.Kitchen))
	}
	if report.Release != nil && report.Release.Outdated {
		fmt.Fprintln(w, color.YellowString("A newer release is available: %s (running %s), run `miyabi upgrade` to install it",
			report.Release.Latest, report.Release.Current))
	}
}
