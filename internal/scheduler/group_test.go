package scheduler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/scheduler"
	"github.com/miyabi-org/miyabi/internal/taskgraph"
)

func graphTask(id string, kind labels.AgentKind, priority, minutes int, deps ...string) taskgraph.Task {
	return taskgraph.Task{
		ID:               id,
		Title:            id,
		AgentKind:        kind,
		Depends:          deps,
		Priority:         priority,
		EstimatedMinutes: minutes,
		IssueNumber:      47,
	}
}

func TestBuildGroupsDiamond(t *testing.T) {
	t.Parallel()

	g := taskgraph.Build([]taskgraph.Task{
		graphTask("a", labels.AgentIssue, 1, 10),
		graphTask("b", labels.AgentCodeGen, 1, 45, "a"),
		graphTask("c", labels.AgentCodeGen, 0, 20, "a"),
		graphTask("d", labels.AgentReview, 1, 20, "b", "c"),
	})

	groups := scheduler.BuildGroups(g)
	require.Len(t, groups, 3)

	byID := map[string]*scheduler.TaskGroup{}
	for _, grp := range groups {
		byID[grp.ID] = grp
	}

	issue := byID["group-47-l0-issue"]
	require.NotNil(t, issue)
	assert.Empty(t, issue.Depends)
	assert.Equal(t, 0, issue.Level)
	assert.Equal(t, []string{"a"}, issue.TaskIDs())

	// b and c share kind and level, so they collapse into one group whose
	// priority is the most urgent of the two.
	codegen := byID["group-47-l1-codegen"]
	require.NotNil(t, codegen)
	assert.Equal(t, []string{"group-47-l0-issue"}, codegen.Depends)
	assert.Equal(t, 0, codegen.Priority)
	assert.Equal(t, 65, codegen.EstimatedMinutes())
	assert.Len(t, codegen.Tasks, 2)

	review := byID["group-47-l2-review"]
	require.NotNil(t, review)
	assert.Equal(t, []string{"group-47-l1-codegen"}, review.Depends)
}

func TestBuildGroupsSplitsKindsWithinLevel(t *testing.T) {
	t.Parallel()

	g := taskgraph.Build([]taskgraph.Task{
		graphTask("root", labels.AgentIssue, 1, 10),
		graphTask("code", labels.AgentCodeGen, 1, 45, "root"),
		graphTask("test", labels.AgentTest, 1, 20, "root"),
	})

	groups := scheduler.BuildGroups(g)
	require.Len(t, groups, 3)

	kinds := map[labels.AgentKind]bool{}
	for _, grp := range groups {
		kinds[grp.AgentKind] = true
		if grp.Level == 1 {
			assert.Equal(t, []string{"group-47-l0-issue"}, grp.Depends)
		}
	}
	assert.True(t, kinds[labels.AgentCodeGen])
	assert.True(t, kinds[labels.AgentTest])
}

func TestBuildGroupsEmptyGraph(t *testing.T) {
	t.Parallel()

	assert.Nil(t, scheduler.BuildGroups(nil))
	assert.Nil(t, scheduler.BuildGroups(taskgraph.Build(nil)))
}

func TestGroupStatusStrings(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status scheduler.GroupStatus
		want   string
		done   bool
	}{
		{scheduler.GroupWaiting, "waiting", false},
		{scheduler.GroupRunning, "running", false},
		{scheduler.GroupCompleted, "completed", true},
		{scheduler.GroupFailed, "failed", true},
		{scheduler.GroupSkipped, "skipped", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.status.String())
		assert.Equal(t, tc.done, tc.status.IsTerminal())
	}
}
