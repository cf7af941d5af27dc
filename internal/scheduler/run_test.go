package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyabi-org/miyabi/internal/scheduler"
)

func fastScheduler(opts ...scheduler.Option) *scheduler.Scheduler {
	base := []scheduler.Option{
		scheduler.WithPollInterval(time.Millisecond),
		scheduler.WithGracePeriod(200 * time.Millisecond),
	}
	return scheduler.New(append(base, opts...)...)
}

func TestRunDrainsQueueUnderCap(t *testing.T) {
	t.Parallel()

	s := fastScheduler(scheduler.WithMaxConcurrency(2))
	require.NoError(t, s.Enqueue(
		group("a", 0, 1),
		group("b", 0, 1),
		group("c", 0, 2),
		group("d", 1, 1, "a"),
		group("e", 1, 1, "b", "c"),
		group("f", 2, 1, "d", "e"),
	))

	var active, peak int64
	exec := scheduler.ExecutorFunc(func(ctx context.Context, g *scheduler.TaskGroup) error {
		n := atomic.AddInt64(&active, 1)
		defer atomic.AddInt64(&active, -1)
		for {
			old := atomic.LoadInt64(&peak)
			if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	require.NoError(t, s.Run(context.Background(), exec))

	p := s.Progress()
	assert.Equal(t, 6, p.Completed)
	assert.True(t, sumOK(p))
	assert.Equal(t, scheduler.StatusCompleted, s.Status())
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	t.Parallel()

	s := fastScheduler(scheduler.WithMaxConcurrency(3))
	require.NoError(t, s.Enqueue(
		group("root", 0, 1),
		group("mid", 1, 1, "root"),
		group("leaf", 2, 1, "mid"),
	))

	var mu sync.Mutex
	var order []string
	exec := scheduler.ExecutorFunc(func(ctx context.Context, g *scheduler.TaskGroup) error {
		mu.Lock()
		order = append(order, g.ID)
		mu.Unlock()
		return nil
	})

	require.NoError(t, s.Run(context.Background(), exec))
	assert.Equal(t, []string{"root", "mid", "leaf"}, order)
}

func TestRunRetriesFailedGroup(t *testing.T) {
	t.Parallel()

	s := fastScheduler(scheduler.WithMaxConcurrency(1), scheduler.WithMaxRetries(1))
	require.NoError(t, s.Enqueue(group("flaky", 0, 1)))

	var attempts int64
	exec := scheduler.ExecutorFunc(func(ctx context.Context, g *scheduler.TaskGroup) error {
		if atomic.AddInt64(&attempts, 1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, s.Run(context.Background(), exec))
	assert.Equal(t, int64(2), atomic.LoadInt64(&attempts))
	assert.Equal(t, scheduler.StatusCompleted, s.Status())
}

func TestRunReportsFailedGroups(t *testing.T) {
	t.Parallel()

	s := fastScheduler(scheduler.WithMaxConcurrency(1), scheduler.WithMaxRetries(0))
	require.NoError(t, s.Enqueue(
		group("bad", 0, 1),
		group("downstream", 1, 1, "bad"),
	))

	exec := scheduler.ExecutorFunc(func(ctx context.Context, g *scheduler.TaskGroup) error {
		return errors.New("broken")
	})

	err := s.Run(context.Background(), exec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")

	p := s.Progress()
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 1, p.Skipped)
	assert.Equal(t, scheduler.StatusFailed, s.Status())
}

func TestRunRecoversFromPanic(t *testing.T) {
	t.Parallel()

	s := fastScheduler(scheduler.WithMaxConcurrency(1), scheduler.WithMaxRetries(0))
	require.NoError(t, s.Enqueue(group("explosive", 0, 1)))

	exec := scheduler.ExecutorFunc(func(ctx context.Context, g *scheduler.TaskGroup) error {
		panic("kaboom")
	})

	err := s.Run(context.Background(), exec)
	require.Error(t, err)

	failed := s.FailedGroups()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Err().Error(), "kaboom")
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	s := fastScheduler(scheduler.WithMaxConcurrency(1))
	require.NoError(t, s.Enqueue(group("slow", 0, 1), group("never", 0, 2)))

	started := make(chan struct{})
	exec := scheduler.ExecutorFunc(func(ctx context.Context, g *scheduler.TaskGroup) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	err := s.Run(ctx, exec)
	assert.ErrorIs(t, err, context.Canceled)
}
