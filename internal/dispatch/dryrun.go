package dispatch

import (
	"context"

	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
	"github.com/miyabi-org/miyabi/internal/platform"
)

// dryRunGateway passes reads through to the real gateway and turns every
// write into a log line with a synthesized return value. Agents run against
// it unchanged, so a dry run exercises the same code paths as a live one.
type dryRunGateway struct {
	inner platform.Gateway
}

// NewDryRunGateway wraps a gateway so that write operations are logged
// instead of performed.
func NewDryRunGateway(inner platform.Gateway) platform.Gateway {
	return &dryRunGateway{inner: inner}
}

var _ platform.Gateway = (*dryRunGateway)(nil)

func (g *dryRunGateway) ListOpenItems(ctx context.Context, owner, repo string) ([]platform.WorkItem, error) {
	return g.inner.ListOpenItems(ctx, owner, repo)
}

func (g *dryRunGateway) GetItem(ctx context.Context, owner, repo string, number int) (*platform.WorkItem, error) {
	return g.inner.GetItem(ctx, owner, repo, number)
}

func (g *dryRunGateway) ListPullRequests(ctx context.Context, owner, repo string) ([]platform.PullRequest, error) {
	return g.inner.ListPullRequests(ctx, owner, repo)
}

func (g *dryRunGateway) ListPullRequestFiles(ctx context.Context, owner, repo string, number int) ([]platform.PullRequestFile, error) {
	return g.inner.ListPullRequestFiles(ctx, owner, repo, number)
}

func (g *dryRunGateway) GetRateLimit(ctx context.Context) (*platform.RateLimit, error) {
	return g.inner.GetRateLimit(ctx)
}

func (g *dryRunGateway) LatestRelease(ctx context.Context) (*platform.Release, error) {
	return g.inner.LatestRelease(ctx)
}

func (g *dryRunGateway) CreateIssue(ctx context.Context, owner, repo string, issue platform.NewIssue) (*platform.WorkItem, error) {
	logger.Info(ctx, "Dry-run: would create issue", tag.Repo(owner, repo), "title", issue.Title, "labels", issue.Labels)
	return &platform.WorkItem{Title: issue.Title, Body: issue.Body, State: "open"}, nil
}

func (g *dryRunGateway) ReplaceLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	logger.Info(ctx, "Dry-run: would replace labels", tag.Repo(owner, repo), tag.Issue(number), "labels", labels)
	return nil
}

func (g *dryRunGateway) EnsureLabels(ctx context.Context, owner, repo string, defs []platform.Label) error {
	logger.Info(ctx, "Dry-run: would ensure label definitions", tag.Repo(owner, repo), tag.Count(len(defs)))
	return nil
}

func (g *dryRunGateway) CreatePullRequest(ctx context.Context, owner, repo string, pr platform.NewPullRequest) (*platform.PullRequest, error) {
	logger.Info(ctx, "Dry-run: would open pull request", tag.Repo(owner, repo), tag.Branch(pr.Head), "title", pr.Title)
	return &platform.PullRequest{
		Title:   pr.Title,
		Body:    pr.Body,
		State:   "open",
		Head:    platform.Ref{Ref: pr.Head},
		Base:    platform.Ref{Ref: pr.Base},
		HTMLURL: "about:dry-run",
	}, nil
}

func (g *dryRunGateway) PostComment(ctx context.Context, owner, repo string, number int, body string) (*platform.Comment, error) {
	logger.Info(ctx, "Dry-run: would post comment", tag.Repo(owner, repo), tag.Issue(number), tag.Count(len(body)))
	return &platform.Comment{Body: body}, nil
}

func (g *dryRunGateway) CreateMilestone(ctx context.Context, owner, repo string, m platform.NewMilestone) (*platform.Milestone, error) {
	logger.Info(ctx, "Dry-run: would create milestone", tag.Repo(owner, repo), "title", m.Title)
	return &platform.Milestone{Title: m.Title, Description: m.Description, State: "open"}, nil
}
