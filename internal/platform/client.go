// Package platform is the typed gateway to the code-hosting platform. It
// owns the HTTP transport, retry and rate-limit behavior, and a small
// read-through cache; nothing upstream sees raw JSON or status codes.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/common/backoff"
	"github.com/miyabi-org/miyabi/internal/common/cache"
	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
)

// Gateway is the narrow platform surface the coordinator depends on. All
// implementations must be safe for concurrent use.
type Gateway interface {
	// ListOpenItems returns every open work item of the repository.
	ListOpenItems(ctx context.Context, owner, repo string) ([]WorkItem, error)
	// GetItem fetches one work item. A missing item is (nil, nil).
	GetItem(ctx context.Context, owner, repo string, number int) (*WorkItem, error)
	// CreateIssue files a new work item.
	CreateIssue(ctx context.Context, owner, repo string, issue NewIssue) (*WorkItem, error)
	// ReplaceLabels atomically replaces the full label set of an item.
	ReplaceLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	// EnsureLabels creates or updates the repository's label definitions.
	EnsureLabels(ctx context.Context, owner, repo string, defs []Label) error
	// ListPullRequests returns open pull requests.
	ListPullRequests(ctx context.Context, owner, repo string) ([]PullRequest, error)
	// ListPullRequestFiles returns the files changed by a pull request.
	ListPullRequestFiles(ctx context.Context, owner, repo string, number int) ([]PullRequestFile, error)
	// CreatePullRequest opens a pull request. If one already exists for the
	// head branch, the existing one is returned.
	CreatePullRequest(ctx context.Context, owner, repo string, pr NewPullRequest) (*PullRequest, error)
	// PostComment adds a comment to a work item.
	PostComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error)
	// CreateMilestone creates a milestone.
	CreateMilestone(ctx context.Context, owner, repo string, m NewMilestone) (*Milestone, error)
	// GetRateLimit reports the token's remaining request budget.
	GetRateLimit(ctx context.Context) (*RateLimit, error)
	// LatestRelease returns the newest published release of this tool.
	LatestRelease(ctx context.Context) (*Release, error)
}

const (
	defaultBaseURL   = "https://api.github.com"
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "miyabi-coordinator"

	defaultCacheCapacity = 500
	defaultCacheTTL      = 5 * time.Minute

	releaseRepo = "miyabi-org/miyabi"
)

// Client implements Gateway over the platform REST API.
type Client struct {
	client      *resty.Client
	baseURL     string
	cache       *cache.Cache[any]
	newPolicy   func() backoff.RetryPolicy
	onRateLimit func(reset time.Time)
}

var _ Gateway = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API endpoint, e.g. an
// enterprise installation or a test server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.client.SetTimeout(d) }
}

// WithCache overrides the response cache geometry.
func WithCache(capacity int, ttl time.Duration) Option {
	return func(c *Client) { c.cache = cache.New[any]("platform", capacity, ttl) }
}

// WithRateLimitHook registers a callback invoked whenever the platform
// reports quota exhaustion, before any retry wait.
func WithRateLimitHook(fn func(reset time.Time)) Option {
	return func(c *Client) { c.onRateLimit = fn }
}

// WithRetryPolicy overrides how per-call retry policies are built.
func WithRetryPolicy(fn func() backoff.RetryPolicy) Option {
	return func(c *Client) { c.newPolicy = fn }
}

// New creates a gateway client authenticated with token.
func New(token string, opts ...Option) *Client {
	rc := resty.New().
		SetTimeout(defaultTimeout).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("User-Agent", defaultUserAgent)
	if token != "" {
		rc.SetAuthToken(token)
	}

	c := &Client{
		client:    rc,
		baseURL:   defaultBaseURL,
		cache:     cache.New[any]("platform", defaultCacheCapacity, defaultCacheTTL),
		newPolicy: newRetryPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CacheMetrics exposes the response cache for telemetry.
func (c *Client) CacheMetrics() cache.Metrics { return c.cache }

func (c *Client) url(format string, args ...any) string {
	return c.baseURL + fmt.Sprintf(format, args...)
}

// execute runs op under the gateway retry policy, surfacing rate-limit
// waits to the registered hook and bailing out early when the context
// deadline cannot absorb the wait until reset.
func (c *Client) execute(ctx context.Context, op func(ctx context.Context) error) error {
	wrapped := func(ctx context.Context) error {
		err := op(ctx)
		var rle *RateLimitError
		if errors.As(err, &rle) {
			if c.onRateLimit != nil {
				c.onRateLimit(rle.Reset)
			}
			logger.Warn(ctx, "Platform rate limit hit", tag.Component("platform"),
				slog.Time("reset", rle.Reset))
			if deadline, ok := ctx.Deadline(); ok && deadline.Before(rle.Reset) {
				return &nonRetriableError{err: rle}
			}
		}
		return err
	}
	return backoff.Retry(ctx, wrapped, c.newPolicy(), isRetriableError)
}

// wrapErr translates transport-level failures into the error taxonomy.
func wrapErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return apperr.Wrap(apperr.CodeRateLimit, rle, msg).
			WithSuggestion("wait for the rate limit window to reset before retrying").
			WithDetails(map[string]any{"reset": rle.Reset.Format(time.RFC3339)})
	}
	var he *httpError
	if errors.As(err, &he) {
		switch {
		case he.statusCode == 401 || he.statusCode == 403:
			return apperr.Wrap(apperr.CodeAuth, err, msg).
				WithSuggestion("check the platform token (PLATFORM_TOKEN) and its scopes")
		case he.statusCode >= 400 && he.statusCode < 500:
			return apperr.Wrap(apperr.CodeValidation, err, msg)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Wrap(apperr.CodeNetwork, err, msg).
		WithSuggestion("check network connectivity to the platform API")
}

func isNotFound(err error) bool {
	var he *httpError
	return errors.As(err, &he) && he.statusCode == 404
}

// ListOpenItems implements Gateway with pagination.
func (c *Client) ListOpenItems(ctx context.Context, owner, repo string) ([]WorkItem, error) {
	key := fmt.Sprintf("items/%s/%s/open", owner, repo)
	if v, ok := c.cache.Load(key); ok {
		return v.([]WorkItem), nil
	}

	var all []WorkItem
	for page := 1; ; page++ {
		var batch []WorkItem
		err := c.execute(ctx, func(ctx context.Context) error {
			resp, err := c.client.R().SetContext(ctx).SetResult(&batch).
				SetQueryParams(map[string]string{
					"state":    "open",
					"per_page": "100",
					"page":     strconv.Itoa(page),
				}).
				Get(c.url("/repos/%s/%s/issues", owner, repo))
			if err != nil {
				return err
			}
			return classifyResponse(resp)
		})
		if err != nil {
			return nil, wrapErr(err, fmt.Sprintf("failed to list open items for %s/%s", owner, repo))
		}
		for _, item := range batch {
			// The issue listing interleaves pull requests; only plain
			// issues are schedulable work.
			if !item.IsPullRequest() {
				all = append(all, item)
			}
		}
		if len(batch) < 100 {
			break
		}
	}

	c.cache.Store(key, all)
	return all, nil
}

// GetItem implements Gateway. A 404 is a normal miss, not an error. Hits
// return a copy, so label edits on the result cannot corrupt the cache.
func (c *Client) GetItem(ctx context.Context, owner, repo string, number int) (*WorkItem, error) {
	key := fmt.Sprintf("item/%s/%s/%d", owner, repo, number)
	if v, ok := c.cache.Load(key); ok {
		return v.(*WorkItem).Clone(), nil
	}

	var item WorkItem
	err := c.execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.R().SetContext(ctx).SetResult(&item).
			Get(c.url("/repos/%s/%s/issues/%d", owner, repo, number))
		if err != nil {
			return err
		}
		return classifyResponse(resp)
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, wrapErr(err, fmt.Sprintf("failed to fetch item %s/%s#%d", owner, repo, number))
	}

	c.cache.Store(key, item.Clone())
	return &item, nil
}

// CreateIssue implements Gateway.
func (c *Client) CreateIssue(ctx context.Context, owner, repo string, issue NewIssue) (*WorkItem, error) {
	var created WorkItem
	err := c.execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.R().SetContext(ctx).SetBody(issue).SetResult(&created).
			Post(c.url("/repos/%s/%s/issues", owner, repo))
		if err != nil {
			return err
		}
		return classifyResponse(resp)
	})
	if err != nil {
		return nil, wrapErr(err, fmt.Sprintf("failed to create issue in %s/%s", owner, repo))
	}

	c.cache.InvalidatePrefix(fmt.Sprintf("items/%s/%s", owner, repo))
	return &created, nil
}

// ReplaceLabels implements Gateway. The platform applies the new set in one
// request, which is what makes state transitions atomic.
func (c *Client) ReplaceLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	err := c.execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.R().SetContext(ctx).
			SetBody(map[string][]string{"labels": labels}).
			Put(c.url("/repos/%s/%s/issues/%d/labels", owner, repo, number))
		if err != nil {
			return err
		}
		return classifyResponse(resp)
	})
	if err != nil {
		return wrapErr(err, fmt.Sprintf("failed to replace labels on %s/%s#%d", owner, repo, number))
	}

	c.cache.Invalidate(fmt.Sprintf("item/%s/%s/%d", owner, repo, number))
	c.cache.InvalidatePrefix(fmt.Sprintf("items/%s/%s", owner, repo))
	return nil
}

// EnsureLabels implements Gateway. Existing definitions are updated, missing
// ones created.
func (c *Client) EnsureLabels(ctx context.Context, owner, repo string, defs []Label) error {
	for _, def := range defs {
		def := def
		err := c.execute(ctx, func(ctx context.Context) error {
			resp, err := c.client.R().SetContext(ctx).SetBody(def).
				Post(c.url("/repos/%s/%s/labels", owner, repo))
			if err != nil {
				return err
			}
			if resp.StatusCode() == 422 {
				// Already exists; patch it instead.
				patch, err := c.client.R().SetContext(ctx).SetBody(def).
					Patch(c.url("/repos/%s/%s/labels/%s", owner, repo, url.PathEscape(def.Name)))
				if err != nil {
					return err
				}
				return classifyResponse(patch)
			}
			return classifyResponse(resp)
		})
		if err != nil {
			return wrapErr(err, fmt.Sprintf("failed to ensure label %q in %s/%s", def.Name, owner, repo))
		}
	}
	return nil
}

// ListPullRequests implements Gateway.
func (c *Client) ListPullRequests(ctx context.Context, owner, repo string) ([]PullRequest, error) {
	key := fmt.Sprintf("prs/%s/%s/open", owner, repo)
	if v, ok := c.cache.Load(key); ok {
		return v.([]PullRequest), nil
	}

	var prs []PullRequest
	err := c.execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.R().SetContext(ctx).SetResult(&prs).
			SetQueryParams(map[string]string{"state": "open", "per_page": "100"}).
			Get(c.url("/repos/%s/%s/pulls", owner, repo))
		if err != nil {
			return err
		}
		return classifyResponse(resp)
	})
	if err != nil {
		return nil, wrapErr(err, fmt.Sprintf("failed to list pull requests for %s/%s", owner, repo))
	}

	c.cache.Store(key, prs)
	return prs, nil
}

// ListPullRequestFiles implements Gateway.
func (c *Client) ListPullRequestFiles(ctx context.Context, owner, repo string, number int) ([]PullRequestFile, error) {
	key := fmt.Sprintf("prfiles/%s/%s/%d", owner, repo, number)
	if v, ok := c.cache.Load(key); ok {
		return v.([]PullRequestFile), nil
	}

	var files []PullRequestFile
	err := c.execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.R().SetContext(ctx).SetResult(&files).
			SetQueryParam("per_page", "100").
			Get(c.url("/repos/%s/%s/pulls/%d/files", owner, repo, number))
		if err != nil {
			return err
		}
		return classifyResponse(resp)
	})
	if err != nil {
		return nil, wrapErr(err, fmt.Sprintf("failed to list files of %s/%s#%d", owner, repo, number))
	}

	c.cache.Store(key, files)
	return files, nil
}

// CreatePullRequest implements Gateway. Creating twice for the same head
// branch returns the already-open pull request.
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo string, pr NewPullRequest) (*PullRequest, error) {
	var created PullRequest
	var alreadyExists bool
	err := c.execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.R().SetContext(ctx).SetBody(pr).SetResult(&created).
			Post(c.url("/repos/%s/%s/pulls", owner, repo))
		if err != nil {
			return err
		}
		if resp.StatusCode() == 422 {
			alreadyExists = true
			return nil
		}
		return classifyResponse(resp)
	})
	if err != nil {
		return nil, wrapErr(err, fmt.Sprintf("failed to create pull request in %s/%s", owner, repo))
	}

	if alreadyExists {
		existing, err := c.findPullRequestByHead(ctx, owner, repo, pr.Head)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			logger.Info(ctx, "Pull request already exists for branch",
				tag.Branch(pr.Head), tag.URL(existing.HTMLURL))
			return existing, nil
		}
		return nil, apperr.Newf(apperr.CodeValidation,
			"pull request for head %q was rejected and no open one was found", pr.Head)
	}

	c.cache.InvalidatePrefix(fmt.Sprintf("prs/%s/%s", owner, repo))
	return &created, nil
}

func (c *Client) findPullRequestByHead(ctx context.Context, owner, repo, head string) (*PullRequest, error) {
	var prs []PullRequest
	err := c.execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.R().SetContext(ctx).SetResult(&prs).
			SetQueryParams(map[string]string{
				"state": "open",
				"head":  owner + ":" + head,
			}).
			Get(c.url("/repos/%s/%s/pulls", owner, repo))
		if err != nil {
			return err
		}
		return classifyResponse(resp)
	})
	if err != nil {
		return nil, wrapErr(err, fmt.Sprintf("failed to look up pull request for head %q", head))
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// PostComment implements Gateway.
func (c *Client) PostComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	var comment Comment
	err := c.execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.R().SetContext(ctx).
			SetBody(map[string]string{"body": body}).SetResult(&comment).
			Post(c.url("/repos/%s/%s/issues/%d/comments", owner, repo, number))
		if err != nil {
			return err
		}
		return classifyResponse(resp)
	})
	if err != nil {
		return nil, wrapErr(err, fmt.Sprintf("failed to comment on %s/%s#%d", owner, repo, number))
	}

	c.cache.Invalidate(fmt.Sprintf("item/%s/%s/%d", owner, repo, number))
	return &comment, nil
}

// CreateMilestone implements Gateway.
func (c *Client) CreateMilestone(ctx context.Context, owner, repo string, m NewMilestone) (*Milestone, error) {
	var created Milestone
	err := c.execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.R().SetContext(ctx).SetBody(m).SetResult(&created).
			Post(c.url("/repos/%s/%s/milestones", owner, repo))
		if err != nil {
			return err
		}
		return classifyResponse(resp)
	})
	if err != nil {
		return nil, wrapErr(err, fmt.Sprintf("failed to create milestone in %s/%s", owner, repo))
	}
	return &created, nil
}

// GetRateLimit implements Gateway. Never cached.
func (c *Client) GetRateLimit(ctx context.Context) (*RateLimit, error) {
	var payload struct {
		Resources struct {
			Core RateLimit `json:"core"`
		} `json:"resources"`
	}
	err := c.execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.R().SetContext(ctx).SetResult(&payload).
			Get(c.url("/rate_limit"))
		if err != nil {
			return err
		}
		return classifyResponse(resp)
	})
	if err != nil {
		return nil, wrapErr(err, "failed to fetch rate limit status")
	}

	rl := payload.Resources.Core
	rl.Reset = time.Unix(rl.ResetUnix, 0)
	return &rl, nil
}

// LatestRelease implements Gateway.
func (c *Client) LatestRelease(ctx context.Context) (*Release, error) {
	var release Release
	err := c.execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.R().SetContext(ctx).SetResult(&release).
			Get(c.url("/repos/%s/releases/latest", releaseRepo))
		if err != nil {
			return err
		}
		return classifyResponse(resp)
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, wrapErr(err, "failed to fetch latest release")
	}
	return &release, nil
}
