package supervisor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/platform"
	"github.com/miyabi-org/miyabi/internal/supervisor"
)

func labeledItem(number int, labelNames ...string) *platform.WorkItem {
	item := &platform.WorkItem{Number: number, Title: "An item", State: "open"}
	for _, name := range labelNames {
		item.Labels = append(item.Labels, platform.Label{Name: name})
	}
	return item
}

func TestScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		labels []string
		want   int
	}{
		{name: "bare item defaults to pending", labels: nil, want: 7},
		{name: "p0 pending", labels: []string{"priority:P0-Critical", "state:pending"}, want: 12},
		{name: "critical keyword counts like p0", labels: []string{"critical"}, want: 12},
		{name: "p1 security small analyzing", labels: []string{"priority:P1-High", "security", "size:small", "state:analyzing"}, want: 15},
		{name: "implementing is neutral", labels: []string{"state:implementing"}, want: 5},
		{name: "reviewing yields to fresher work", labels: []string{"state:reviewing"}, want: 4},
		{name: "p2 gets no urgency bump", labels: []string{"priority:P2-Medium", "state:pending"}, want: 7},
		{name: "vulnerability bump", labels: []string{"vulnerability", "state:implementing"}, want: 9},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, supervisor.Score(labeledItem(1, tc.labels...)))
		})
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()

	t.Run("state maps to the advancing agent", func(t *testing.T) {
		t.Parallel()

		wantAgent := map[string]labels.AgentKind{
			"state:pending":      labels.AgentIssue,
			"state:analyzing":    labels.AgentCodeGen,
			"state:implementing": labels.AgentReview,
			"state:reviewing":    labels.AgentPR,
		}
		for label, agent := range wantAgent {
			d := supervisor.Decide(labeledItem(3, label))
			assert.Equal(t, supervisor.DecisionExecute, d.Kind, label)
			assert.Equal(t, agent, d.Agent, label)
			assert.Equal(t, 3, d.Issue)
		}
	})

	t.Run("missing state counts as pending", func(t *testing.T) {
		t.Parallel()

		d := supervisor.Decide(labeledItem(4))
		assert.Equal(t, supervisor.DecisionExecute, d.Kind)
		assert.Equal(t, labels.AgentIssue, d.Agent)
	})

	t.Run("parked states are skipped", func(t *testing.T) {
		t.Parallel()

		for _, label := range []string{"state:blocked", "state:paused", "state:done"} {
			d := supervisor.Decide(labeledItem(5, label))
			assert.Equal(t, supervisor.DecisionSkip, d.Kind, label)
			assert.Contains(t, d.Reason, label[len("state:"):])
		}
	})

	t.Run("pull requests are not dispatched", func(t *testing.T) {
		t.Parallel()

		item := labeledItem(6, "state:pending")
		item.PullRequestRef = &platform.PullRequestLink{URL: "https://example.test/pull/6"}
		d := supervisor.Decide(item)
		assert.Equal(t, supervisor.DecisionSkip, d.Kind)
	})
}

func TestBest(t *testing.T) {
	t.Parallel()

	execute := func(issue, priority int) supervisor.Decision {
		return supervisor.Decision{Kind: supervisor.DecisionExecute, Issue: issue, Priority: priority}
	}
	skip := func(issue int) supervisor.Decision {
		return supervisor.Decision{Kind: supervisor.DecisionSkip, Issue: issue}
	}

	t.Run("highest priority wins", func(t *testing.T) {
		t.Parallel()
		best, ok := supervisor.Best([]supervisor.Decision{execute(1, 7), execute(2, 12), skip(3)})
		assert.True(t, ok)
		assert.Equal(t, 2, best.Issue)
	})

	t.Run("ties break toward the older item", func(t *testing.T) {
		t.Parallel()
		best, ok := supervisor.Best([]supervisor.Decision{execute(9, 7), execute(4, 7)})
		assert.True(t, ok)
		assert.Equal(t, 4, best.Issue)
	})

	t.Run("skips alone select nothing", func(t *testing.T) {
		t.Parallel()
		_, ok := supervisor.Best([]supervisor.Decision{skip(1), skip(2)})
		assert.False(t, ok)
	})
}
