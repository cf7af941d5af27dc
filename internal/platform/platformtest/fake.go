// Package platformtest provides an in-memory Gateway for tests.
package platformtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/miyabi-org/miyabi/internal/platform"
)

// Fake is an in-memory Gateway. The zero value is not usable; construct it
// with New. All fields guarded by mu are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	items    map[int]*platform.WorkItem
	prs      map[string]*platform.PullRequest // keyed by head branch
	comments map[int][]string
	nextItem int
	nextPR   int

	// Rate is returned by GetRateLimit. Defaults to a healthy budget.
	Rate platform.RateLimit
	// Release is returned by LatestRelease.
	Release platform.Release
	// Err, when set, fails every call.
	Err error

	CreateIssueCalls int
	CreatePRCalls    int
	ReplaceCalls     int
	EnsuredDefs      []platform.Label
}

var _ platform.Gateway = (*Fake)(nil)

// New builds a fake over the given seed items.
func New(items ...*platform.WorkItem) *Fake {
	f := &Fake{
		items:    make(map[int]*platform.WorkItem),
		prs:      make(map[string]*platform.PullRequest),
		comments: make(map[int][]string),
		nextItem: 1,
		nextPR:   100,
		Rate:     platform.RateLimit{Limit: 5000, Remaining: 4999, Reset: time.Now().Add(time.Hour)},
		Release:  platform.Release{TagName: "v1.0.0", Name: "v1.0.0"},
	}
	for _, item := range items {
		copied := *item
		f.items[item.Number] = &copied
		if item.Number >= f.nextItem {
			f.nextItem = item.Number + 1
		}
	}
	return f
}

// Item returns the current state of an item, for assertions.
func (f *Fake) Item(number int) *platform.WorkItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[number]
}

// LabelsOf returns the item's current label names, for assertions.
func (f *Fake) LabelsOf(number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[number]; ok {
		return item.LabelNames()
	}
	return nil
}

// Comments returns the comments posted to an item.
func (f *Fake) Comments(number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments[number]...)
}

func (f *Fake) ListOpenItems(_ context.Context, _, _ string) ([]platform.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []platform.WorkItem
	for _, item := range f.items {
		if item.IsOpen() {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (f *Fake) GetItem(_ context.Context, _, _ string, number int) (*platform.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	item, ok := f.items[number]
	if !ok {
		return nil, nil
	}
	copied := *item
	return &copied, nil
}

func (f *Fake) CreateIssue(_ context.Context, _, _ string, issue platform.NewIssue) (*platform.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.CreateIssueCalls++
	item := &platform.WorkItem{
		Number: f.nextItem,
		Title:  issue.Title,
		Body:   issue.Body,
		State:  "open",
	}
	for _, name := range issue.Labels {
		item.Labels = append(item.Labels, platform.Label{Name: name})
	}
	f.items[item.Number] = item
	f.nextItem++
	copied := *item
	return &copied, nil
}

func (f *Fake) ReplaceLabels(_ context.Context, _, _ string, number int, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.ReplaceCalls++
	item, ok := f.items[number]
	if !ok {
		return fmt.Errorf("item %d does not exist", number)
	}
	item.Labels = nil
	for _, name := range names {
		item.Labels = append(item.Labels, platform.Label{Name: name})
	}
	return nil
}

func (f *Fake) EnsureLabels(_ context.Context, _, _ string, defs []platform.Label) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.EnsuredDefs = append(f.EnsuredDefs, defs...)
	return nil
}

func (f *Fake) ListPullRequests(_ context.Context, _, _ string) ([]platform.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []platform.PullRequest
	for _, pr := range f.prs {
		out = append(out, *pr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (f *Fake) ListPullRequestFiles(_ context.Context, _, _ string, _ int) ([]platform.PullRequestFile, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return nil, nil
}

func (f *Fake) CreatePullRequest(_ context.Context, _, _ string, pr platform.NewPullRequest) (*platform.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.CreatePRCalls++
	if existing, ok := f.prs[pr.Head]; ok {
		copied := *existing
		return &copied, nil
	}
	created := &platform.PullRequest{
		Number:  f.nextPR,
		Title:   pr.Title,
		Body:    pr.Body,
		State:   "open",
		Head:    platform.Ref{Ref: pr.Head},
		Base:    platform.Ref{Ref: pr.Base},
		HTMLURL: fmt.Sprintf("https://example.test/pull/%d", f.nextPR),
	}
	f.prs[pr.Head] = created
	f.nextPR++
	copied := *created
	return &copied, nil
}

func (f *Fake) PostComment(_ context.Context, _, _ string, number int, body string) (*platform.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.comments[number] = append(f.comments[number], body)
	return &platform.Comment{ID: int64(len(f.comments[number])), Body: body}, nil
}

func (f *Fake) CreateMilestone(_ context.Context, _, _ string, m platform.NewMilestone) (*platform.Milestone, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return &platform.Milestone{Number: 1, Title: m.Title, Description: m.Description, State: "open"}, nil
}

func (f *Fake) GetRateLimit(_ context.Context) (*platform.RateLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	rate := f.Rate
	return &rate, nil
}

func (f *Fake) LatestRelease(_ context.Context) (*platform.Release, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	release := f.Release
	return &release, nil
}
