package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
	"github.com/miyabi-org/miyabi/internal/platform"
	"github.com/miyabi-org/miyabi/internal/scheduler"
	"github.com/miyabi-org/miyabi/internal/taskgraph"
	"github.com/miyabi-org/miyabi/internal/telemetry"
)

// PlanConfig bounds a plan execution.
type PlanConfig struct {
	// MaxConcurrency caps parallel groups; zero uses the scheduler default.
	MaxConcurrency int
	// MaxRetries is the per-group retry budget; negative uses the scheduler
	// default, zero disables retries.
	MaxRetries int
	// Emitter receives scheduler lifecycle events; nil reuses the
	// dispatcher's emitter.
	Emitter telemetry.Emitter
}

// PlanReport summarizes a drained plan.
type PlanReport struct {
	Issue     int           `json:"issueNumber"`
	Groups    int           `json:"groups"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Elapsed   time.Duration `json:"elapsed"`
	Summary   string        `json:"summary"`
}

// ExecutePlan drives a coordinator plan to completion. The plan's tasks are
// partitioned into level-ordered groups and every ready group is dispatched
// to its agent under the concurrency cap, with the scheduler handling
// retries and upstream poisoning. A rate-limited platform pauses dispatch
// until the advertised reset. The report is returned even when groups
// failed; the error then lists them.
func (d *Dispatcher) ExecutePlan(ctx context.Context, ref artifact.ItemRef, plan *CoordinatorPlan, cfg PlanConfig) (*PlanReport, error) {
	report := &PlanReport{Issue: ref.Number}
	if plan == nil || len(plan.Tasks) == 0 {
		report.Summary = "nothing to execute"
		return report, nil
	}

	groups := scheduler.BuildGroups(taskgraph.Build(plan.Tasks))
	report.Groups = len(groups)
	if len(groups) == 0 {
		report.Summary = "nothing to execute"
		return report, nil
	}

	opts := []scheduler.Option{scheduler.WithEmitter(d.caps.Emitter)}
	if cfg.Emitter != nil {
		opts[0] = scheduler.WithEmitter(cfg.Emitter)
	}
	if cfg.MaxConcurrency > 0 {
		opts = append(opts, scheduler.WithMaxConcurrency(cfg.MaxConcurrency))
	}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, scheduler.WithMaxRetries(cfg.MaxRetries))
	}
	sched := scheduler.New(opts...)
	if err := sched.Enqueue(groups...); err != nil {
		return nil, err
	}

	logger.Info(ctx, "Executing plan", tag.Issue(ref.Number),
		tag.Count(len(groups)), "tasks", len(plan.Tasks))

	start := time.Now()
	runErr := sched.Run(ctx, scheduler.ExecutorFunc(func(ctx context.Context, group *scheduler.TaskGroup) error {
		res, err := d.Dispatch(ctx, group.AgentKind, &Request{Ref: ref, Group: group.ID})
		if err != nil {
			return err
		}
		if !res.Success() {
			// A surfaced rate limit means the gateway could not absorb the
			// wait itself. Stop dispatching until the window resets; the
			// group re-queues through the ordinary retry path.
			var rle *platform.RateLimitError
			if errors.As(res.Err, &rle) {
				logger.Warn(ctx, "Plan paused by platform rate limit",
					tag.Group(group.ID), "resumeAt", rle.Reset.Format(time.RFC3339))
				sched.PauseUntil(rle.Reset)
			}
			return res.Err
		}
		return nil
	}))

	p := sched.Progress()
	report.Completed = p.Completed
	report.Failed = p.Failed
	report.Skipped = p.Skipped
	report.Elapsed = time.Since(start)
	report.Summary = sched.ProgressSummary()
	return report, runErr
}
