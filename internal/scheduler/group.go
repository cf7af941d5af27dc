package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/taskgraph"
)

// GroupStatus is the lifecycle state of one TaskGroup.
type GroupStatus int

const (
	GroupWaiting GroupStatus = iota
	GroupRunning
	GroupCompleted
	GroupFailed
	GroupSkipped
)

// String implements fmt.Stringer.
func (s GroupStatus) String() string {
	switch s {
	case GroupRunning:
		return "running"
	case GroupCompleted:
		return "completed"
	case GroupFailed:
		return "failed"
	case GroupSkipped:
		return "skipped"
	default:
		return "waiting"
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s GroupStatus) IsTerminal() bool {
	return s == GroupCompleted || s == GroupFailed || s == GroupSkipped
}

// TaskGroup bundles tasks of one agent kind at one DAG level into a single
// schedulable unit. A group runs in one worktree under one session; its
// tasks execute sequentially in plan order.
type TaskGroup struct {
	ID          string
	IssueNumber int
	AgentKind   labels.AgentKind
	Tasks       []taskgraph.Task
	Level       int
	// Priority is the most urgent task priority in the group (0 is most
	// urgent, matching the P0..P3 scale).
	Priority int
	// Depends lists group IDs that must complete before this group may start.
	Depends []string

	status     GroupStatus
	retries    int
	skipReason string
	err        error
	enqueuedAt time.Time
	startedAt  time.Time
	finishedAt time.Time
	seq        int
}

// Status returns the current lifecycle state.
func (g *TaskGroup) Status() GroupStatus { return g.status }

// setTaskStatus mirrors a group transition onto the member tasks, the one
// field of a task that changes after decomposition.
func (g *TaskGroup) setTaskStatus(status taskgraph.TaskStatus) {
	for i := range g.Tasks {
		g.Tasks[i].Status = status
	}
}

// Retries returns how many times the group has been re-queued after failure.
func (g *TaskGroup) Retries() int { return g.retries }

// Err returns the last execution error, if any.
func (g *TaskGroup) Err() error { return g.err }

// SkipReason returns why the group was skipped, or "" when it was not.
func (g *TaskGroup) SkipReason() string { return g.skipReason }

// EstimatedMinutes sums the effort estimates of the group's tasks.
func (g *TaskGroup) EstimatedMinutes() int {
	total := 0
	for _, t := range g.Tasks {
		total += t.EstimatedMinutes
	}
	return total
}

// TaskIDs returns the ids of the group's tasks in plan order.
func (g *TaskGroup) TaskIDs() []string {
	ids := make([]string, len(g.Tasks))
	for i, t := range g.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Duration returns the observed run time, zero until the group finishes.
func (g *TaskGroup) Duration() time.Duration {
	if g.startedAt.IsZero() || g.finishedAt.IsZero() {
		return 0
	}
	return g.finishedAt.Sub(g.startedAt)
}

// BuildGroups partitions a task graph into TaskGroups: within each
// topological level, tasks sharing an agent kind form one group. A group
// depends on every group that owns a direct dependency of one of its tasks,
// so group edges mirror the task edges exactly.
func BuildGroups(g *taskgraph.Graph) []*TaskGroup {
	if g == nil || g.Size() == 0 {
		return nil
	}

	owner := make(map[string]*TaskGroup, g.Size())
	var groups []*TaskGroup

	for level, ids := range g.Levels() {
		byKind := make(map[labels.AgentKind]*TaskGroup)
		for _, id := range ids {
			task, ok := g.Task(id)
			if !ok {
				continue
			}
			grp := byKind[task.AgentKind]
			if grp == nil {
				grp = &TaskGroup{
					ID:          fmt.Sprintf("group-%d-l%d-%s", task.IssueNumber, level, task.AgentKind),
					IssueNumber: task.IssueNumber,
					AgentKind:   task.AgentKind,
					Level:       level,
					Priority:    task.Priority,
				}
				byKind[task.AgentKind] = grp
				groups = append(groups, grp)
			}
			grp.Tasks = append(grp.Tasks, *task)
			if task.Priority < grp.Priority {
				grp.Priority = task.Priority
			}
			owner[task.ID] = grp
		}
	}

	for _, grp := range groups {
		seen := make(map[string]bool)
		for _, task := range grp.Tasks {
			for _, dep := range task.Depends {
				parent, ok := owner[dep]
				if !ok || parent == grp || seen[parent.ID] {
					continue
				}
				seen[parent.ID] = true
				grp.Depends = append(grp.Depends, parent.ID)
			}
		}
		sort.Strings(grp.Depends)
	}

	return groups
}
