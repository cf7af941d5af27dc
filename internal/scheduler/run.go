package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
)

// Executor runs one TaskGroup to completion. Implementations own session
// and worktree setup; the scheduler only tracks group state.
type Executor interface {
	ExecuteGroup(ctx context.Context, group *TaskGroup) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, group *TaskGroup) error

// ExecuteGroup implements Executor.
func (f ExecutorFunc) ExecuteGroup(ctx context.Context, group *TaskGroup) error {
	return f(ctx, group)
}

// Run drains the queue: it polls for dispatchable groups, hands each to the
// executor on its own goroutine, and returns once every group is terminal.
// On cancellation it stops dispatching, waits up to the grace period for
// in-flight groups, and returns the context error. A nil return means every
// group completed.
func (s *Scheduler) Run(ctx context.Context, exec Executor) error {
	var wg sync.WaitGroup

	for s.HasWorkRemaining() {
		select {
		case <-ctx.Done():
			return s.drain(ctx, &wg)
		default:
		}

		group := s.NextGroup()
		if group == nil {
			time.Sleep(s.pollInterval)
			continue
		}
		if err := s.StartGroup(group.ID); err != nil {
			logger.Warn(ctx, "Group dispatch refused", tag.Group(group.ID), tag.Error(err))
			continue
		}

		wg.Add(1)
		go func(group *TaskGroup) {
			defer wg.Done()
			defer func() {
				if panicObj := recover(); panicObj != nil {
					stack := string(debug.Stack())
					logger.Error(ctx, "Recovered from panic in group execution",
						tag.Group(group.ID),
						tag.Agent(string(group.AgentKind)),
						tag.Reason(fmt.Sprintf("%v", panicObj)),
					)
					logger.Debug(ctx, "Panic stack trace", tag.Group(group.ID), tag.Reason(stack))
					_ = s.FailGroup(group.ID, fmt.Errorf("panic: %v", panicObj))
				}
			}()

			if err := exec.ExecuteGroup(ctx, group); err != nil {
				logger.Warn(ctx, "Group execution failed",
					tag.Group(group.ID),
					tag.Agent(string(group.AgentKind)),
					tag.Error(err),
				)
				_ = s.FailGroup(group.ID, err)
				return
			}
			_ = s.CompleteGroup(group.ID)
		}(group)
	}

	wg.Wait()

	if failed := s.FailedGroups(); len(failed) > 0 {
		ids := make([]string, len(failed))
		for i, g := range failed {
			ids[i] = g.ID
		}
		return fmt.Errorf("%d task group(s) failed: %s", len(failed), strings.Join(ids, ", "))
	}
	return nil
}

// drain waits for in-flight groups after cancellation, bounded by the grace
// period. Groups still running afterwards are abandoned to their executors.
func (s *Scheduler) drain(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.gracePeriod):
		logger.Warn(ctx, "Grace period expired with groups still running",
			tag.Count(s.Progress().Running),
			tag.Duration(s.gracePeriod),
		)
	}
	return ctx.Err()
}
