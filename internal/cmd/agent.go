package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/dispatch"
	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/platform"
)

func Agent() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Work with the specialized agents",
	}
	cmd.AddCommand(AgentRun())
	return cmd
}

func AgentRun() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "run <kind>",
			Short: "Execute one agent against an issue, a pull request, or local files",
			Long: `Run a single agent outside the autonomous loop.

Kinds: ` + kindList() + `.

Most agents target an issue (--issue). The review agent can instead read
the changed files of a pull request (--pr) or local files (--files),
bypassing the stored codegen artifact. The coordinator agent plans by
default; --execute additionally drains the planned task groups through
the scheduler.

Example:
  miyabi agent run issue --issue 42
  miyabi agent run review --pr 7
  miyabi agent run codegen --issue 42 --dry-run --json
  miyabi agent run coordinator --issue 42 --execute
`,
			Args: cobra.ExactArgs(1),
		}, agentRunFlags, runAgent,
	)
}

var agentRunFlags = []commandLineFlag{
	ownerFlag, repoFlag, issueFlag, prFlag, filesFlag, executeFlag, dryRunFlag,
}

func kindList() string {
	kinds := dispatch.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func runAgent(ctx *Context, args []string) error {
	kind, err := labels.ParseAgentKind(args[0])
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "unknown agent kind").
			WithSuggestion("one of: " + kindList())
	}

	owner, repo, mainBranch, err := ctx.RepoIdentity()
	if err != nil {
		return err
	}

	issue, _ := ctx.Command.Flags().GetInt("issue")
	prNumber, _ := ctx.Command.Flags().GetInt("pr")
	filePaths, _ := ctx.Command.Flags().GetStringSlice("files")
	execute, _ := ctx.Command.Flags().GetBool("execute")
	dryRun, _ := ctx.Command.Flags().GetBool("dry-run")

	if issue <= 0 && prNumber <= 0 && len(filePaths) == 0 {
		return apperr.New(apperr.CodeValidation, "nothing to run the agent against").
			WithSuggestion("pass --issue, --pr, or --files")
	}
	if execute && kind != labels.AgentCoordinator {
		return apperr.New(apperr.CodeValidation, "--execute only applies to the coordinator agent").
			WithSuggestion("miyabi agent run coordinator --issue <n> --execute")
	}

	gw, err := ctx.Gateway()
	if err != nil {
		return err
	}
	store, err := ctx.Artifacts()
	if err != nil {
		return err
	}

	req := &dispatch.Request{
		Ref:        artifact.ItemRef{Owner: owner, Repo: repo, Number: issue},
		BaseBranch: mainBranch,
		Language:   ctx.Config.Project.DefaultLanguage,
	}
	if prNumber > 0 {
		files, err := gw.ListPullRequestFiles(ctx, owner, repo, prNumber)
		if err != nil {
			return err
		}
		req.Files = pullRequestInput(files)
	}
	if len(filePaths) > 0 {
		files, err := localFileInput(filePaths)
		if err != nil {
			return err
		}
		req.Files = append(req.Files, files...)
	}

	var opts []dispatch.DispatcherOption
	if dryRun {
		opts = append(opts, dispatch.WithDryRun())
	}
	dispatcher := dispatch.NewDispatcher(dispatch.Capabilities{
		Gateway:   gw,
		Artifacts: store,
	}, opts...)

	res, err := dispatcher.Dispatch(ctx, kind, req)
	if err != nil {
		return err
	}
	if !res.Success() {
		return res.Err
	}

	if execute {
		plan, ok := res.Output.(dispatch.CoordinatorPlan)
		if !ok {
			return apperr.New(apperr.CodeInternal, "coordinator produced an unexpected output shape")
		}
		maxConcurrency, maxRetries := schedulerBounds(ctx)
		report, err := dispatcher.ExecutePlan(ctx, req.Ref, &plan, dispatch.PlanConfig{
			MaxConcurrency: maxConcurrency,
			MaxRetries:     maxRetries,
		})
		if err != nil {
			return err
		}
		message := fmt.Sprintf("plan drained: %s", report.Summary)
		return ctx.Emit(report, message, func(w io.Writer) {
			renderAgentResult(w, res)
			renderPlanReport(w, report)
		})
	}

	message := fmt.Sprintf("%s agent finished in %s", res.Agent, res.Duration.Round(time.Millisecond))
	return ctx.Emit(res, message, func(w io.Writer) {
		renderAgentResult(w, res)
	})
}

// pullRequestInput turns platform change entries into review input. The
// patch stands in for file content; that is what a reviewer of a pull
// request sees.
func pullRequestInput(files []platform.PullRequestFile) []dispatch.GeneratedFile {
	out := make([]dispatch.GeneratedFile, 0, len(files))
	for _, f := range files {
		action := "modify"
		switch f.Status {
		case "added":
			action = "create"
		case "removed":
			action = "delete"
		}
		out = append(out, dispatch.GeneratedFile{Path: f.Filename, Content: f.Patch, Action: action})
	}
	return out
}

func localFileInput(paths []string) ([]dispatch.GeneratedFile, error) {
	out := make([]dispatch.GeneratedFile, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeValidation, err, "cannot read review input file")
		}
		out = append(out, dispatch.GeneratedFile{Path: p, Content: string(data), Action: "modify"})
	}
	return out, nil
}

func renderPlanReport(w io.Writer, r *dispatch.PlanReport) {
	fmt.Fprintf(w, "%s plan drained in %s\n",
		color.GreenString("✓"), r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  groups: %d completed, %d failed, %d skipped of %d\n",
		r.Completed, r.Failed, r.Skipped, r.Groups)
}

func renderAgentResult(w io.Writer, res *dispatch.Result) {
	fmt.Fprintf(w, "%s %s agent finished in %s\n",
		color.GreenString("✓"), res.Agent, res.Duration.Round(time.Millisecond))
	if res.TokensIn > 0 || res.TokensOut > 0 {
		fmt.Fprintf(w, "  tokens: %d in, %d out\n", res.TokensIn, res.TokensOut)
	}
	if res.Output != nil {
		fmt.Fprintln(w, "  output:")
		_ = writeJSON(w, res.Output)
	}
}
