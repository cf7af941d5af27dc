package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/platform"
)

// PRResult is the PR agent's output: the pull request that carries the
// change set.
type PRResult struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Branch string `json:"branch"`
	Base   string `json:"base"`
	Title  string `json:"title"`
	Draft  bool   `json:"draft"`
}

type prAgent struct{}

var _ Runner = (*prAgent)(nil)

func init() {
	Register(&prAgent{})
	RegisterOutputType[PRResult](labels.AgentPR)
}

func (a *prAgent) Spec() Spec {
	return Spec{
		Kind:        labels.AgentPR,
		Description: "opens the pull request for a generated and reviewed change set",
		Requires:    []artifact.Kind{artifact.KindCodegenOutput, artifact.KindReviewOutput},
		Produces:    artifact.KindPROutput,
	}
}

func (a *prAgent) Run(ctx context.Context, req *Request, caps *Capabilities) (any, error) {
	if caps.Gateway == nil {
		return nil, apperr.New(apperr.CodeValidation, "pr agent needs a platform gateway")
	}
	item, err := resolveItem(ctx, req, caps)
	if err != nil {
		return nil, err
	}

	gen, ok := artifact.LoadAs[CodeGenResult](ctx, caps.Artifacts, req.Ref, artifact.KindCodegenOutput)
	if !ok {
		return nil, apperr.New(apperr.CodeValidation, "codegen output artifact does not decode")
	}
	review, ok := artifact.LoadAs[ReviewReport](ctx, caps.Artifacts, req.Ref, artifact.KindReviewOutput)
	if !ok {
		return nil, apperr.New(apperr.CodeValidation, "review output artifact does not decode")
	}

	base := req.BaseBranch
	if base == "" {
		base = "main"
	}
	head := headBranchFor(item.Number)
	title := prTitle(ctx, req, caps, item)

	// A change set that failed review still becomes a pull request, but a
	// draft one, so a human picks it up from there.
	draft := !review.Passed

	created, err := caps.Gateway.CreatePullRequest(ctx, req.Ref.Owner, req.Ref.Repo, platform.NewPullRequest{
		Title: title,
		Body:  prBody(item, gen, review),
		Head:  head,
		Base:  base,
		Draft: draft,
	})
	if err != nil {
		return nil, err
	}

	return PRResult{
		Number: created.Number,
		URL:    created.HTMLURL,
		Branch: head,
		Base:   base,
		Title:  created.Title,
		Draft:  draft,
	}, nil
}

// headBranchFor names the branch the worktree layer prepares for an item.
func headBranchFor(issue int) string {
	return fmt.Sprintf("miyabi/issue-%d", issue)
}

// prTitle renders a conventional-commit style title from the item's type
// facet.
func prTitle(ctx context.Context, req *Request, caps *Capabilities, item *platform.WorkItem) string {
	typ := labels.TypeOf(item.LabelNames())
	if typ == "" && caps.Artifacts != nil {
		if analysis, ok := artifact.LoadAs[IssueAnalysis](ctx, caps.Artifacts, req.Ref, artifact.KindIssueOutput); ok {
			typ = analysis.Type
		}
	}
	return fmt.Sprintf("%s: %s (#%d)", commitPrefix(typ), strings.TrimSpace(item.Title), item.Number)
}

func commitPrefix(typ string) string {
	switch typ {
	case "bug":
		return "fix"
	case "feature":
		return "feat"
	case "docs":
		return "docs"
	case "refactor":
		return "refactor"
	case "test":
		return "test"
	default:
		return "chore"
	}
}

func prBody(item *platform.WorkItem, gen CodeGenResult, review ReviewReport) string {
	var b strings.Builder
	b.WriteString("## Summary\n\n")
	b.WriteString(strings.TrimSpace(gen.Summary))
	b.WriteString("\n\n## Changes\n\n")
	for _, f := range gen.Files {
		fmt.Fprintf(&b, "- `%s` (%s)\n", f.Path, f.Action)
	}
	fmt.Fprintf(&b, "\n## Quality\n\nScore %d/100", review.Score)
	if review.Passed {
		b.WriteString(", passed the review bar.\n")
	} else {
		b.WriteString(", below the review bar; opened as draft.\n")
	}
	for _, rec := range review.Recommendations {
		fmt.Fprintf(&b, "- %s\n", rec)
	}
	fmt.Fprintf(&b, "\nCloses #%d\n", item.Number)
	return b.String()
}
