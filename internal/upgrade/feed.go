package upgrade

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/common/backoff"
)

const (
	defaultFeedURL     = "https://api.github.com/repos/miyabi-org/miyabi/releases"
	feedTimeout        = 30 * time.Second
	checksumsAssetName = "checksums.txt"
)

// Release is one published release in the feed.
type Release struct {
	TagName    string  `json:"tag_name"`
	Name       string  `json:"name"`
	Draft      bool    `json:"draft"`
	Prerelease bool    `json:"prerelease"`
	HTMLURL    string  `json:"html_url"`
	Assets     []Asset `json:"assets"`
}

// Asset is one downloadable file attached to a release.
type Asset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
	Size        int64  `json:"size"`
}

// Feed reads the published releases. It talks to the release API directly;
// the platform gateway is not involved because asset downloads are plain
// HTTP, not API calls.
type Feed struct {
	client *resty.Client
	url    string
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithFeedURL points the feed at a different release listing, e.g. a test
// server or an enterprise mirror.
func WithFeedURL(u string) FeedOption {
	return func(f *Feed) { f.url = strings.TrimSuffix(u, "/") }
}

// NewFeed creates a release feed client.
func NewFeed(opts ...FeedOption) *Feed {
	f := &Feed{
		client: resty.New().
			SetTimeout(feedTimeout).
			SetHeader("Accept", "application/vnd.github+json").
			SetHeader("User-Agent", "miyabi-upgrade"),
		url: defaultFeedURL,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Latest returns the newest published release. Drafts are skipped;
// pre-releases only surface when asked for.
func (f *Feed) Latest(ctx context.Context, includePrerelease bool) (*Release, error) {
	if !includePrerelease {
		var release Release
		err := f.get(ctx, f.url+"/latest", &release)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeNetwork, err, "cannot fetch the latest release")
		}
		return &release, nil
	}

	var releases []Release
	if err := f.get(ctx, f.url+"?per_page=10", &releases); err != nil {
		return nil, apperr.Wrap(apperr.CodeNetwork, err, "cannot fetch the release listing")
	}
	for i := range releases {
		if !releases[i].Draft {
			return &releases[i], nil
		}
	}
	return nil, apperr.New(apperr.CodeNetwork, "the release feed is empty")
}

// ByTag returns the release published under the given tag.
func (f *Feed) ByTag(ctx context.Context, tag string) (*Release, error) {
	tag = normalizeTag(tag)
	if !looksLikeVersion(tag) {
		return nil, apperr.Newf(apperr.CodeValidation, "%q is not a release tag", tag)
	}
	var release Release
	err := f.get(ctx, f.url+"/tags/"+url.PathEscape(tag), &release)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeNetwork, err, fmt.Sprintf("cannot fetch release %s", tag)).
			WithSuggestion("check the tag against the published releases")
	}
	return &release, nil
}

// Checksums downloads and parses the release's checksum manifest, keyed by
// asset file name.
func (f *Feed) Checksums(ctx context.Context, release *Release) (map[string]string, error) {
	var manifestURL string
	for _, a := range release.Assets {
		if a.Name == checksumsAssetName {
			manifestURL = a.DownloadURL
			break
		}
	}
	if manifestURL == "" {
		return nil, apperr.Newf(apperr.CodeValidation, "release %s ships no %s", release.TagName, checksumsAssetName)
	}

	var body string
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		resp, err := f.client.R().SetContext(ctx).Get(manifestURL)
		if err != nil {
			return err
		}
		if resp.StatusCode() != 200 {
			return &feedHTTPError{code: resp.StatusCode()}
		}
		body = resp.String()
		return nil
	}, feedRetryPolicy(), isFeedRetriable)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeNetwork, err, "cannot fetch the checksum manifest")
	}
	return parseChecksums(body)
}

func (f *Feed) get(ctx context.Context, u string, result any) error {
	return backoff.Retry(ctx, func(ctx context.Context) error {
		resp, err := f.client.R().SetContext(ctx).SetResult(result).Get(u)
		if err != nil {
			return err
		}
		if resp.StatusCode() != 200 {
			return &feedHTTPError{code: resp.StatusCode()}
		}
		return nil
	}, feedRetryPolicy(), isFeedRetriable)
}

type feedHTTPError struct {
	code int
}

func (e *feedHTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from the release feed", e.code)
}

// isFeedRetriable retries transport errors and transient statuses; other
// statuses (404 and friends) fail immediately.
func isFeedRetriable(err error) bool {
	var fe *feedHTTPError
	if errors.As(err, &fe) {
		return fe.code == 429 || (fe.code >= 500 && fe.code <= 504)
	}
	return true
}

func feedRetryPolicy() backoff.RetryPolicy {
	policy := backoff.NewExponentialBackoffPolicy(time.Second)
	policy.BackoffFactor = 2.0
	policy.MaxInterval = 10 * time.Second
	policy.MaxRetries = 2
	return policy
}

// parseChecksums reads the sha256sum output format: one "<hash>  <file>"
// pair per line.
func parseChecksums(content string) (map[string]string, error) {
	checksums := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		checksums[fields[1]] = fields[0]
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "cannot parse the checksum manifest")
	}
	if len(checksums) == 0 {
		return nil, apperr.New(apperr.CodeValidation, "the checksum manifest is empty")
	}
	return checksums, nil
}

// findAsset picks the archive built for this host out of the release.
func findAsset(release *Release, want string) (*Asset, error) {
	for i := range release.Assets {
		if release.Assets[i].Name == want {
			return &release.Assets[i], nil
		}
	}
	return nil, apperr.Newf(apperr.CodeValidation, "release %s has no asset %s", release.TagName, want)
}
