package scheduler_test

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/scheduler"
	"github.com/miyabi-org/miyabi/internal/taskgraph"
	"github.com/miyabi-org/miyabi/internal/telemetry"
)

func group(id string, level, priority int, deps ...string) *scheduler.TaskGroup {
	return &scheduler.TaskGroup{
		ID:        id,
		AgentKind: labels.AgentCodeGen,
		Level:     level,
		Priority:  priority,
		Depends:   deps,
	}
}

func sumOK(p scheduler.Progress) bool {
	return p.Waiting+p.Running+p.Completed+p.Failed+p.Skipped == p.Total
}

func TestLifecycleHappyPath(t *testing.T) {
	t.Parallel()

	s := scheduler.New(scheduler.WithMaxConcurrency(2))
	require.NoError(t, s.Enqueue(
		group("g1", 0, 1),
		group("g2", 1, 1, "g1"),
	))

	assert.Equal(t, scheduler.StatusIdle, s.Status())
	assert.True(t, s.HasWorkRemaining())
	assert.True(t, s.CanAcceptWork())

	// g2 is blocked on g1, so only g1 is dispatchable.
	next := s.NextGroup()
	require.NotNil(t, next)
	assert.Equal(t, "g1", next.ID)

	require.NoError(t, s.StartGroup("g1"))
	assert.Equal(t, scheduler.StatusRunning, s.Status())
	assert.Nil(t, s.NextGroup())

	require.NoError(t, s.CompleteGroup("g1"))
	next = s.NextGroup()
	require.NotNil(t, next)
	assert.Equal(t, "g2", next.ID)

	require.NoError(t, s.StartGroup("g2"))
	require.NoError(t, s.CompleteGroup("g2"))

	assert.Equal(t, scheduler.StatusCompleted, s.Status())
	assert.False(t, s.HasWorkRemaining())
	assert.False(t, s.CanAcceptWork())
	assert.Empty(t, s.FailedGroups())
	assert.True(t, sumOK(s.Progress()))

	// Terminal schedulers refuse new work.
	assert.ErrorIs(t, s.Enqueue(group("g3", 0, 1)), scheduler.ErrFinished)
}

func TestNextGroupOrdering(t *testing.T) {
	t.Parallel()

	s := scheduler.New(scheduler.WithMaxConcurrency(4))
	require.NoError(t, s.Enqueue(
		group("late-low", 1, 3),
		group("late-high", 1, 0),
		group("early-a", 0, 2),
		group("early-b", 0, 2),
	))

	// Smallest level wins, then priority, then enqueue order.
	want := []string{"early-a", "early-b", "late-high", "late-low"}
	for _, expected := range want {
		next := s.NextGroup()
		require.NotNil(t, next)
		assert.Equal(t, expected, next.ID)
		require.NoError(t, s.StartGroup(next.ID))
		require.NoError(t, s.CompleteGroup(next.ID))
	}
}

func TestConcurrencyCapGatesDispatch(t *testing.T) {
	t.Parallel()

	s := scheduler.New(scheduler.WithMaxConcurrency(2))
	require.NoError(t, s.Enqueue(group("a", 0, 1), group("b", 0, 1), group("c", 0, 1)))

	require.NoError(t, s.StartGroup(s.NextGroup().ID))
	require.NoError(t, s.StartGroup(s.NextGroup().ID))
	assert.Nil(t, s.NextGroup())
	assert.False(t, s.CanAcceptWork())

	require.NoError(t, s.CompleteGroup("a"))
	require.NotNil(t, s.NextGroup())
	assert.True(t, s.CanAcceptWork())
}

func TestRetryBudgetThenPoison(t *testing.T) {
	t.Parallel()

	s := scheduler.New(scheduler.WithMaxConcurrency(1), scheduler.WithMaxRetries(1))
	require.NoError(t, s.Enqueue(
		group("build", 0, 1),
		group("review", 1, 1, "build"),
		group("ship", 2, 1, "review"),
	))

	boom := errors.New("compile error")

	// First failure consumes the retry budget and re-queues the group.
	require.NoError(t, s.StartGroup("build"))
	require.NoError(t, s.FailGroup("build", boom))
	next := s.NextGroup()
	require.NotNil(t, next)
	assert.Equal(t, "build", next.ID)
	assert.Equal(t, 1, next.Retries())
	assert.Equal(t, scheduler.GroupWaiting, next.Status())

	// Second failure is final; downstream groups are poisoned.
	require.NoError(t, s.StartGroup("build"))
	require.NoError(t, s.FailGroup("build", boom))

	failed := s.FailedGroups()
	require.Len(t, failed, 1)
	assert.Equal(t, "build", failed[0].ID)
	assert.ErrorIs(t, failed[0].Err(), boom)

	p := s.Progress()
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 2, p.Skipped)
	assert.True(t, sumOK(p))
	assert.Equal(t, scheduler.StatusFailed, s.Status())

	for _, g := range s.Groups() {
		if g.ID == "build" {
			continue
		}
		assert.Equal(t, scheduler.GroupSkipped, g.Status())
		assert.Equal(t, scheduler.SkipReasonUpstream, g.SkipReason())
	}
}

func TestGroupTransitionsMirrorTaskStatus(t *testing.T) {
	t.Parallel()

	withTasks := func(g *scheduler.TaskGroup, ids ...string) *scheduler.TaskGroup {
		for _, id := range ids {
			g.Tasks = append(g.Tasks, taskgraph.Task{ID: id, AgentKind: g.AgentKind, Status: taskgraph.TaskIdle})
		}
		return g
	}

	s := scheduler.New(scheduler.WithMaxRetries(1))
	a := withTasks(group("a", 0, 1), "t1")
	b := withTasks(group("b", 1, 1, "a"), "t2", "t3")
	c := withTasks(group("c", 2, 1, "b"), "t4")
	require.NoError(t, s.Enqueue(a, b, c))

	assert.Equal(t, taskgraph.TaskReady, a.Tasks[0].Status, "no dependencies means dispatchable")
	assert.Equal(t, taskgraph.TaskIdle, b.Tasks[0].Status, "blocked tasks stay idle")

	require.NoError(t, s.StartGroup("a"))
	assert.Equal(t, taskgraph.TaskRunning, a.Tasks[0].Status)

	require.NoError(t, s.CompleteGroup("a"))
	assert.Equal(t, taskgraph.TaskCompleted, a.Tasks[0].Status)
	assert.Equal(t, taskgraph.TaskReady, b.Tasks[0].Status, "completion releases the dependents")

	require.NoError(t, s.StartGroup("b"))
	require.NoError(t, s.FailGroup("b", errors.New("flaky")))
	assert.Equal(t, taskgraph.TaskReady, b.Tasks[1].Status, "a retry re-queues the tasks")

	require.NoError(t, s.StartGroup("b"))
	require.NoError(t, s.FailGroup("b", errors.New("still flaky")))
	assert.Equal(t, taskgraph.TaskFailed, b.Tasks[0].Status)
	assert.Equal(t, taskgraph.TaskSkipped, c.Tasks[0].Status, "poisoned dependents carry the skip")
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	s := scheduler.New()
	require.NoError(t, s.Enqueue(group("a", 0, 1)))

	s.Pause()
	assert.Equal(t, scheduler.StatusPaused, s.Status())
	assert.Nil(t, s.NextGroup())
	assert.False(t, s.CanAcceptWork())

	s.Resume()
	assert.Equal(t, scheduler.StatusIdle, s.Status())
	require.NotNil(t, s.NextGroup())

	// Resume on a non-paused scheduler is a no-op.
	s.Resume()
	assert.Equal(t, scheduler.StatusIdle, s.Status())
}

func TestPauseUntilAutoResumes(t *testing.T) {
	t.Parallel()

	s := scheduler.New()
	require.NoError(t, s.Enqueue(group("a", 0, 1)))
	require.NoError(t, s.StartGroup("a"))

	s.PauseUntil(time.Now().Add(20 * time.Millisecond))
	assert.Equal(t, scheduler.StatusPaused, s.Status())

	require.Eventually(t, func() bool {
		return s.Status() == scheduler.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPauseUntilIgnoresFinishedScheduler(t *testing.T) {
	t.Parallel()

	s := scheduler.New()
	require.NoError(t, s.Enqueue(group("a", 0, 1)))
	require.NoError(t, s.StartGroup("a"))
	require.NoError(t, s.CompleteGroup("a"))
	require.Equal(t, scheduler.StatusCompleted, s.Status())

	s.PauseUntil(time.Now().Add(10 * time.Millisecond))
	assert.Equal(t, scheduler.StatusCompleted, s.Status())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, scheduler.StatusCompleted, s.Status())
}

func TestPauseUntilSurvivesConcurrentResume(t *testing.T) {
	t.Parallel()

	s := scheduler.New()
	require.NoError(t, s.Enqueue(group("a", 0, 1)))
	require.NoError(t, s.StartGroup("a"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.PauseUntil(time.Now().Add(time.Millisecond))
			s.Resume()
		}()
	}
	wg.Wait()

	// Whichever interleaving won, the scheduler must settle on running; a
	// stale resume timer is a no-op.
	require.Eventually(t, func() bool {
		return s.Status() == scheduler.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEstimatedTimeRemaining(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	s := scheduler.New(
		scheduler.WithMaxConcurrency(1),
		scheduler.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, s.Enqueue(group("a", 0, 1), group("b", 0, 1), group("c", 0, 1)))

	assert.Nil(t, s.EstimatedTimeRemaining())

	require.NoError(t, s.StartGroup("a"))
	now = now.Add(10 * time.Minute)
	require.NoError(t, s.CompleteGroup("a"))

	// One group per ten minutes observed, two still queued.
	eta := s.EstimatedTimeRemaining()
	require.NotNil(t, eta)
	assert.Equal(t, 20*time.Minute, *eta)
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	s := scheduler.New()
	require.NoError(t, s.Enqueue(group("a", 0, 1)))

	assert.Error(t, s.Enqueue(group("a", 0, 1)))
	assert.Error(t, s.Enqueue(group("", 0, 1)))
	assert.Error(t, s.Enqueue(group("b", 0, 1, "ghost")))

	// Dependencies may reference groups enqueued in the same batch.
	require.NoError(t, s.Enqueue(group("c", 0, 1), group("d", 1, 1, "c")))
}

func TestSchedulerEmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var kinds []telemetry.Kind
	emitter := telemetry.EmitterFunc(func(ev telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
	})

	s := scheduler.New(scheduler.WithEmitter(emitter), scheduler.WithMaxRetries(0))
	require.NoError(t, s.Enqueue(group("a", 0, 1), group("b", 1, 1, "a")))

	require.NoError(t, s.StartGroup("a"))
	require.NoError(t, s.FailGroup("a", errors.New("boom")))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, kinds, telemetry.KindSchedulerState)
	assert.Contains(t, kinds, telemetry.KindGroupStart)
	assert.Contains(t, kinds, telemetry.KindGroupFail)
	assert.Contains(t, kinds, telemetry.KindGroupSkip)
}

func TestProgressSummaryAndSnapshot(t *testing.T) {
	t.Parallel()

	s := scheduler.New(scheduler.WithMaxConcurrency(2))
	require.NoError(t, s.Enqueue(group("a", 0, 1), group("b", 0, 1)))
	require.NoError(t, s.StartGroup("a"))
	require.NoError(t, s.CompleteGroup("a"))

	assert.Contains(t, s.ProgressSummary(), "1/2 groups done")

	snap := s.Snapshot()
	assert.Equal(t, "running", snap.Status)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, 1, snap.Waiting)
}

func TestInvalidTransitions(t *testing.T) {
	t.Parallel()

	s := scheduler.New()
	require.NoError(t, s.Enqueue(group("a", 0, 1)))

	assert.ErrorIs(t, s.StartGroup("nope"), scheduler.ErrGroupNotFound)
	assert.ErrorIs(t, s.CompleteGroup("a"), scheduler.ErrNotRunning)
	assert.ErrorIs(t, s.FailGroup("a", errors.New("x")), scheduler.ErrNotRunning)

	require.NoError(t, s.StartGroup("a"))
	assert.ErrorIs(t, s.StartGroup("a"), scheduler.ErrNotWaiting)
}

// The core accounting invariant: however dispatch interleaves with
// completions, failures and poisoning, the five counters partition the
// queue and the running count never exceeds the cap.
func TestCountersInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	const maxActive = 2

	properties.Property("counters partition the queue under random execution", prop.ForAll(
		func(n int, seed int64) bool {
			rng := rand.New(rand.NewSource(seed))

			groups := make([]*scheduler.TaskGroup, n)
			for i := range groups {
				groups[i] = group(fmt.Sprintf("g%02d", i), i/3, rng.Intn(4))
				for j := 0; j < i; j++ {
					if rng.Intn(4) == 0 {
						groups[i].Depends = append(groups[i].Depends, groups[j].ID)
					}
				}
			}

			s := scheduler.New(
				scheduler.WithMaxConcurrency(maxActive),
				scheduler.WithMaxRetries(0),
			)
			if err := s.Enqueue(groups...); err != nil {
				return false
			}

			var running []string
			for s.HasWorkRemaining() {
				p := s.Progress()
				if !sumOK(p) || p.Running > maxActive {
					return false
				}

				if g := s.NextGroup(); g != nil {
					if err := s.StartGroup(g.ID); err != nil {
						return false
					}
					running = append(running, g.ID)
					continue
				}

				// Nothing dispatchable: retire one in-flight group.
				if len(running) == 0 {
					return false
				}
				i := rng.Intn(len(running))
				id := running[i]
				running = append(running[:i], running[i+1:]...)
				if rng.Intn(4) == 0 {
					if err := s.FailGroup(id, errors.New("boom")); err != nil {
						return false
					}
				} else {
					if err := s.CompleteGroup(id); err != nil {
						return false
					}
				}
			}

			p := s.Progress()
			return sumOK(p) && p.Waiting == 0 && p.Running == 0 && s.Status().IsTerminal()
		},
		gen.IntRange(1, 16),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
