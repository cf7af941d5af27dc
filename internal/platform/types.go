package platform

import (
	"time"
)

// WorkItem is an immutable snapshot of a tracked issue as of one scan.
// Mutation happens only through the gateway.
type WorkItem struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Labels    []Label   `json:"labels"`
	Assignee  *User     `json:"assignee,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	HTMLURL   string    `json:"html_url"`

	// PullRequestRef is set by the platform when the record is a pull
	// request surfacing in the issue listing.
	PullRequestRef *PullRequestLink `json:"pull_request,omitempty"`
}

// PullRequestLink marks an issue record as a pull request.
type PullRequestLink struct {
	URL string `json:"url"`
}

// IsPullRequest reports whether the item is a pull request in disguise.
func (w *WorkItem) IsPullRequest() bool { return w.PullRequestRef != nil }

// Clone returns a deep copy the caller may mutate without aliasing any
// cached snapshot.
func (w *WorkItem) Clone() *WorkItem {
	if w == nil {
		return nil
	}
	cp := *w
	if w.Labels != nil {
		cp.Labels = append([]Label(nil), w.Labels...)
	}
	if w.Assignee != nil {
		a := *w.Assignee
		cp.Assignee = &a
	}
	if w.PullRequestRef != nil {
		ref := *w.PullRequestRef
		cp.PullRequestRef = &ref
	}
	return &cp
}

// LabelNames returns the item's label names in platform order.
func (w *WorkItem) LabelNames() []string {
	names := make([]string, len(w.Labels))
	for i, l := range w.Labels {
		names[i] = l.Name
	}
	return names
}

// IsOpen reports whether the item is open.
func (w *WorkItem) IsOpen() bool { return w.State == "open" }

// Label is a platform label.
type Label struct {
	Name        string `json:"name"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
}

// User is the subset of account fields the coordinator reads.
type User struct {
	Login string `json:"login"`
}

// PullRequest is a platform pull request.
type PullRequest struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	HTMLURL   string    `json:"html_url"`
	Head      Ref       `json:"head"`
	Base      Ref       `json:"base"`
	Merged    bool      `json:"merged"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ref names one side of a pull request.
type Ref struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// PullRequestFile is one changed file inside a pull request.
type PullRequestFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch,omitempty"`
}

// Milestone is a platform milestone.
type Milestone struct {
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	State       string     `json:"state"`
	DueOn       *time.Time `json:"due_on,omitempty"`
}

// Comment is an issue comment.
type Comment struct {
	ID      int64     `json:"id"`
	Body    string    `json:"body"`
	HTMLURL string    `json:"html_url"`
	Created time.Time `json:"created_at"`
}

// RateLimit is the platform's request budget for the authenticated token.
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"-"`
	ResetUnix int64     `json:"reset"`
}

// Release is a published release of this tool, used for upgrade checks.
type Release struct {
	TagName    string `json:"tag_name"`
	Name       string `json:"name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
	HTMLURL    string `json:"html_url"`
}

// NewIssue is the payload for creating a work item.
type NewIssue struct {
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Labels    []string `json:"labels,omitempty"`
	Assignees []string `json:"assignees,omitempty"`
	Milestone int      `json:"milestone,omitempty"`
}

// NewPullRequest is the payload for opening a pull request.
type NewPullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Draft bool   `json:"draft,omitempty"`
}

// NewMilestone is the payload for creating a milestone.
type NewMilestone struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueOn       *time.Time `json:"due_on,omitempty"`
}
