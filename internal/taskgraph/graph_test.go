package taskgraph_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/taskgraph"
)

func task(id string, minutes int, deps ...string) taskgraph.Task {
	return taskgraph.Task{
		ID:               id,
		Title:            id,
		AgentKind:        labels.AgentCodeGen,
		Depends:          deps,
		EstimatedMinutes: minutes,
	}
}

func TestBuildDiamond(t *testing.T) {
	t.Parallel()

	g := taskgraph.Build([]taskgraph.Task{
		task("a", 10),
		task("b", 45, "a"),
		task("c", 20, "a"),
		task("d", 10, "b", "c"),
	})

	assert.Equal(t, 4, g.Size())
	assert.Equal(t, 4, g.Edges())
	assert.False(t, g.HasCycles())
	assert.Nil(t, g.CyclePath())

	levels := g.Levels()
	require.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, levels)

	// Longest chain is a → b → d.
	assert.Equal(t, 10+45+10, g.CriticalPath())

	stats := g.Stats()
	assert.Equal(t, 3, stats.Levels)
	assert.Equal(t, 2, stats.MaxParallelism)
	assert.False(t, stats.HasCycles)
}

func TestCycleDetection(t *testing.T) {
	t.Parallel()

	g := taskgraph.Build([]taskgraph.Task{
		task("x", 10, "y"),
		task("y", 10, "x"),
		task("z", 10),
	})

	assert.True(t, g.HasCycles())
	cycle := g.CyclePath()
	require.NotEmpty(t, cycle)
	assert.Subset(t, []string{"x", "y"}, cycle)

	// The cyclic pair is omitted from the level plan; z still schedules.
	levels := g.Levels()
	require.Len(t, levels, 1)
	assert.Equal(t, []string{"z"}, levels[0])

	assert.Equal(t, 0, g.CriticalPath())
	assert.True(t, g.Stats().HasCycles)
}

func TestUnknownAndSelfDepsDropped(t *testing.T) {
	t.Parallel()

	g := taskgraph.Build([]taskgraph.Task{
		task("a", 10, "ghost", "a"),
		task("b", 10, "a", "a"),
	})
	assert.Equal(t, 1, g.Edges())
	assert.False(t, g.HasCycles())
}

func TestLevelOrdering(t *testing.T) {
	t.Parallel()

	g := taskgraph.Build([]taskgraph.Task{
		{ID: "c", Priority: 1, Severity: "2-High", EstimatedMinutes: 1},
		{ID: "b", Priority: 0, Severity: "1-Critical", EstimatedMinutes: 1},
		{ID: "a", Priority: 1, Severity: "1-Critical", EstimatedMinutes: 1},
		{ID: "d", Priority: 1, Severity: "1-Critical", EstimatedMinutes: 1},
	})

	levels := g.Levels()
	require.Len(t, levels, 1)
	// Priority ascending, then severity, then id.
	assert.Equal(t, []string{"b", "a", "d", "c"}, levels[0])
}

func TestLevelInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("random forward-edge DAGs peel completely and respect edge order", prop.ForAll(
		func(n int, seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			tasks := make([]taskgraph.Task, n)
			for i := range tasks {
				tasks[i] = task(fmt.Sprintf("t%02d", i), 5)
			}
			// Edges only run from lower to higher index, so the graph is
			// acyclic by construction.
			for j := 1; j < n; j++ {
				for i := 0; i < j; i++ {
					if rng.Intn(3) == 0 {
						tasks[j].Depends = append(tasks[j].Depends, tasks[i].ID)
					}
				}
			}

			g := taskgraph.Build(tasks)
			if g.HasCycles() {
				return false
			}

			levelOf := map[string]int{}
			for li, level := range g.Levels() {
				for _, id := range level {
					levelOf[id] = li
				}
			}
			if len(levelOf) != n {
				return false
			}
			for i := range tasks {
				for _, dep := range tasks[i].Depends {
					if levelOf[dep] >= levelOf[tasks[i].ID] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
