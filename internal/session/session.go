// Package session binds a task group to an isolated worktree for one agent
// run and tracks its lifecycle from creation to a terminal status.
package session

import (
	"time"

	"github.com/miyabi-org/miyabi/internal/labels"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
)

// IsTerminal reports whether no transition leaves the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (s Status) String() string { return string(s) }

// Session is one agent run bound to a worktree.
type Session struct {
	ID           string           `json:"id"`
	GroupID      string           `json:"groupId"`
	IssueNumber  int              `json:"issueNumber"`
	AgentKind    labels.AgentKind `json:"agentKind"`
	Status       Status           `json:"status"`
	WorktreePath string           `json:"worktreePath"`
	Branch       string           `json:"branch"`
	StartedAt    time.Time        `json:"startedAt"`
	FinishedAt   time.Time        `json:"finishedAt,omitzero"`
	Error        string           `json:"error,omitempty"`

	// Result summarizes the agent outcome for completed sessions.
	Result any `json:"result,omitempty"`
	// TaskResults carries per-task outcomes inside the group.
	TaskResults map[string]string `json:"taskResults,omitempty"`
}

// Duration returns the session's wall-clock time so far, or its final
// duration once terminal.
func (s *Session) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Spec describes the session to create.
type Spec struct {
	GroupID     string
	IssueNumber int
	AgentKind   labels.AgentKind
	Title       string
	// Prompt is written to TASK_PROMPT.md as the agent-facing instruction.
	Prompt string
	// PlanSteps become the plans.md checklist, the trajectory-of-record.
	PlanSteps []string
}

// Statistics aggregates session counts by status.
type Statistics struct {
	Total    int
	ByStatus map[Status]int
}
