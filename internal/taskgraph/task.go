// Package taskgraph decomposes work items into tasks and arranges them in a
// dependency DAG the scheduler can walk level by level.
package taskgraph

import (
	"github.com/miyabi-org/miyabi/internal/labels"
)

// TaskStatus is the per-task lifecycle state. The decomposer creates tasks
// idle; the scheduler moves them through the rest as it drives their group.
type TaskStatus string

const (
	TaskIdle      TaskStatus = "idle"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// Task is one unit of agent work derived from a work item. Tasks are
// immutable after decomposition except for Status.
type Task struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	Type             string            `json:"type,omitempty"`
	AgentKind        labels.AgentKind  `json:"agentKind"`
	Depends          []string          `json:"depends,omitempty"`
	Priority         int               `json:"priority"`
	Severity         string            `json:"severity,omitempty"`
	Impact           string            `json:"impact,omitempty"`
	EstimatedMinutes int               `json:"estimatedMinutes"`
	IssueNumber      int               `json:"issueNumber"`
	Status           TaskStatus        `json:"status"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// estimatedMinutes is the default effort guess per agent kind, used for
// critical-path math until real durations are observed.
var estimatedMinutes = map[labels.AgentKind]int{
	labels.AgentCoordinator: 5,
	labels.AgentIssue:       10,
	labels.AgentCodeGen:     45,
	labels.AgentReview:      20,
	labels.AgentPR:          10,
	labels.AgentDeploy:      15,
	labels.AgentTest:        20,
}

// chainRank is the fixed intra-item ordering applied when tasks of multiple
// kinds appear in one decomposition. Kinds outside the chain are unordered.
var chainRank = map[labels.AgentKind]int{
	labels.AgentIssue:   0,
	labels.AgentCodeGen: 1,
	labels.AgentReview:  2,
	labels.AgentPR:      3,
	labels.AgentDeploy:  4,
}
