// Package supervisor implements the water-spider loop of the autonomous
// mode: scan the open items, decide what each one needs, dispatch the single
// most urgent agent, and repeat until a stop condition fires. Everything it
// does goes through the same dispatcher the CLI uses, so manual and
// autonomous runs behave identically.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
	"github.com/miyabi-org/miyabi/internal/dispatch"
	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/platform"
	"github.com/miyabi-org/miyabi/internal/telemetry"
)

// Config parameterizes a supervisor run.
type Config struct {
	Owner string
	Repo  string

	// Interval paces cycles when no cron schedule is set.
	Interval time.Duration
	// MaxDuration bounds the whole run; zero means unbounded.
	MaxDuration time.Duration
	// MaxErrors stops the run once cumulative errors reach it.
	MaxErrors int
	// ScanTodos converts source markers into issues on idle cycles.
	ScanTodos bool
	// ScanRoot is the tree to scan; defaults to the working directory.
	ScanRoot string
	// Excludes are extra doublestar globs the scan skips.
	Excludes []string
	// DryRun logs every write instead of performing it.
	DryRun bool
	// Schedule is an optional cron expression that replaces Interval.
	Schedule string

	// MaxConcurrency caps parallel task groups when an implementation round
	// drains a coordinator plan; zero uses the scheduler default.
	MaxConcurrency int
	// MaxRetries is the per-group retry budget for plan execution; zero
	// uses the scheduler default.
	MaxRetries int
}

const (
	defaultInterval  = 10 * time.Second
	defaultMaxErrors = 10
	todoBatchSize    = 3
	todoScanLimit    = 50
)

// Supervisor drives the autonomous loop. Not safe for concurrent Run calls.
type Supervisor struct {
	cfg        Config
	gateway    platform.Gateway
	dispatcher *dispatch.Dispatcher
	emitter    telemetry.Emitter
	tracer     *telemetry.Tracer
	clock      func() time.Time
	schedule   cron.Schedule

	cycles     int
	executions int
	skips      int
	errs       int
}

// Summary describes a finished run.
type Summary struct {
	Cycles     int           `json:"cycles"`
	Executions int           `json:"executions"`
	Skips      int           `json:"skips"`
	Errors     int           `json:"errors"`
	Elapsed    time.Duration `json:"elapsed"`
	StopReason string        `json:"stopReason"`
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithEmitter routes telemetry to e.
func WithEmitter(e telemetry.Emitter) Option {
	return func(s *Supervisor) { s.emitter = e }
}

// WithTracer exports a span per cycle and per agent run.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Supervisor) { s.tracer = t }
}

// WithClock pins the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.clock = now }
}

// New builds a supervisor. The dispatcher must already match cfg.DryRun;
// the supervisor additionally guards its own platform writes.
func New(cfg Config, gateway platform.Gateway, dispatcher *dispatch.Dispatcher, opts ...Option) (*Supervisor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = defaultMaxErrors
	}
	if cfg.DryRun && gateway != nil {
		gateway = dispatch.NewDryRunGateway(gateway)
	}
	s := &Supervisor{
		cfg:        cfg,
		gateway:    gateway,
		dispatcher: dispatcher,
		emitter:    telemetry.Nop,
		clock:      time.Now,
	}
	if cfg.Schedule != "" {
		schedule, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeConfig, err, fmt.Sprintf("cron schedule %q does not parse", cfg.Schedule))
		}
		s.schedule = schedule
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run executes cycles until the deadline passes, the error budget is spent,
// or ctx ends. The summary is returned in every case.
func (s *Supervisor) Run(ctx context.Context) (Summary, error) {
	start := s.clock()
	logger.Info(ctx, "Supervisor started",
		tag.Repo(s.cfg.Owner, s.cfg.Repo),
		"interval", s.cfg.Interval.String(),
		"dryRun", s.cfg.DryRun,
	)

	reason := ""
	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			reason = "canceled"
			break loop
		default:
		}
		if s.cfg.MaxDuration > 0 && s.clock().Sub(start) >= s.cfg.MaxDuration {
			reason = "deadline reached"
			break
		}
		if s.errs >= s.cfg.MaxErrors {
			reason = "error budget spent"
			runErr = fmt.Errorf("supervisor stopped after %d errors", s.errs)
			break
		}

		s.cycles++
		cycleCtx := ctx
		var span trace.Span
		if s.tracer != nil {
			cycleCtx, span = s.tracer.StartCycle(ctx, s.cycles)
		}
		s.runCycle(cycleCtx)
		if span != nil {
			span.End()
		}

		if !s.sleep(ctx) {
			reason = "canceled"
			break
		}
	}

	summary := Summary{
		Cycles:     s.cycles,
		Executions: s.executions,
		Skips:      s.skips,
		Errors:     s.errs,
		Elapsed:    s.clock().Sub(start),
		StopReason: reason,
	}
	s.emit(telemetry.KindSupervisorCycle, map[string]any{
		"final":      true,
		"cycles":     summary.Cycles,
		"executions": summary.Executions,
		"skips":      summary.Skips,
		"errors":     summary.Errors,
		"reason":     summary.StopReason,
	})
	logger.Info(ctx, "Supervisor stopped",
		tag.Reason(reason),
		tag.Count(summary.Executions),
		tag.Duration(summary.Elapsed),
	)
	return summary, runErr
}

func (s *Supervisor) runCycle(ctx context.Context) {
	if s.gateway == nil || s.cfg.Owner == "" || s.cfg.Repo == "" {
		d := Decision{Kind: DecisionNotReady, Reason: "repository identity or credentials missing"}
		s.emitDecision(d)
		logger.Warn(ctx, "Supervisor is not ready", tag.Reason(d.Reason))
		return
	}

	items, err := s.gateway.ListOpenItems(ctx, s.cfg.Owner, s.cfg.Repo)
	if err != nil {
		s.errs++
		logger.Error(ctx, "Listing open items failed", tag.Error(err))
		return
	}

	decisions := make([]Decision, 0, len(items))
	for i := range items {
		d := Decide(&items[i])
		decisions = append(decisions, d)
		s.emitDecision(d)
		if d.Kind == DecisionSkip {
			s.skips++
		}
	}

	executed := false
	if best, ok := Best(decisions); ok {
		s.execute(ctx, best, items)
		executed = true
	} else if s.cfg.ScanTodos {
		s.convertTodos(ctx, items)
	}

	s.emit(telemetry.KindSupervisorCycle, map[string]any{
		"cycle":    s.cycles,
		"open":     len(items),
		"executed": executed,
		"errors":   s.errs,
	})
}

// execute dispatches the chosen agent and advances the item's state label on
// success.
func (s *Supervisor) execute(ctx context.Context, d Decision, items []platform.WorkItem) {
	var item *platform.WorkItem
	for i := range items {
		if items[i].Number == d.Issue {
			item = &items[i]
			break
		}
	}

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.StartAgent(ctx, string(d.Agent), d.Issue)
		defer span.End()
	}

	logger.Info(ctx, "Dispatching agent",
		tag.Agent(string(d.Agent)),
		tag.Issue(d.Issue),
		tag.Priority(d.Priority),
		tag.Reason(d.Reason),
	)

	// An implementation round is the one decision that fans out: the
	// coordinator decomposes the item and the scheduler drains the task
	// groups. Every other agent runs as a single dispatch.
	if d.Agent == labels.AgentCodeGen {
		if s.runPlan(ctx, d, item) {
			s.advanceState(ctx, d)
		}
		return
	}

	res, err := s.dispatcher.Dispatch(ctx, d.Agent, &dispatch.Request{
		Ref:  artifact.ItemRef{Owner: s.cfg.Owner, Repo: s.cfg.Repo, Number: d.Issue},
		Item: item,
	})
	if err != nil {
		s.errs++
		logger.Error(ctx, "Dispatch failed", tag.Agent(string(d.Agent)), tag.Issue(d.Issue), tag.Error(err))
		return
	}
	s.executions++
	if !res.Success() {
		s.errs++
		logger.Warn(ctx, "Agent run failed", tag.Agent(string(d.Agent)), tag.Issue(d.Issue), tag.Error(res.Err))
		return
	}
	s.advanceState(ctx, d)
}

// runPlan drains one coordinator plan: the item is decomposed into the task
// DAG and every group is dispatched in dependency order. Reports whether the
// round succeeded end to end.
func (s *Supervisor) runPlan(ctx context.Context, d Decision, item *platform.WorkItem) bool {
	ref := artifact.ItemRef{Owner: s.cfg.Owner, Repo: s.cfg.Repo, Number: d.Issue}

	res, err := s.dispatcher.Dispatch(ctx, labels.AgentCoordinator, &dispatch.Request{Ref: ref, Item: item})
	if err != nil {
		s.errs++
		logger.Error(ctx, "Coordinator dispatch failed", tag.Issue(d.Issue), tag.Error(err))
		return false
	}
	s.executions++
	if !res.Success() {
		s.errs++
		logger.Warn(ctx, "Decomposition failed", tag.Issue(d.Issue), tag.Error(res.Err))
		return false
	}
	plan, ok := res.Output.(dispatch.CoordinatorPlan)
	if !ok {
		s.errs++
		logger.Error(ctx, "Coordinator produced an unexpected output shape", tag.Issue(d.Issue))
		return false
	}

	retries := s.cfg.MaxRetries
	if retries <= 0 {
		retries = -1
	}
	report, err := s.dispatcher.ExecutePlan(ctx, ref, &plan, dispatch.PlanConfig{
		MaxConcurrency: s.cfg.MaxConcurrency,
		MaxRetries:     retries,
	})
	if err != nil {
		s.errs++
		logger.Warn(ctx, "Plan finished with failures", tag.Issue(d.Issue), tag.Error(err))
		return false
	}
	logger.Info(ctx, "Plan drained", tag.Issue(d.Issue),
		tag.Count(report.Completed), "summary", report.Summary)
	return true
}

// advanceState moves the item's state facet forward after a successful
// agent run. The item is refreshed first so facet labels the agent just
// applied are preserved.
func (s *Supervisor) advanceState(ctx context.Context, d Decision) {
	next, ok := labels.StateAfter(d.Agent)
	if !ok {
		return
	}
	fresh, err := s.gateway.GetItem(ctx, s.cfg.Owner, s.cfg.Repo, d.Issue)
	if err != nil || fresh == nil {
		logger.Warn(ctx, "Could not refresh item for state advance", tag.Issue(d.Issue), tag.Error(err))
		return
	}
	current := labels.StateOf(fresh.LabelNames())
	if !labels.ValidateTransition(current, next) {
		return
	}
	if err := s.gateway.ReplaceLabels(ctx, s.cfg.Owner, s.cfg.Repo, d.Issue, labels.ReplaceState(fresh.LabelNames(), next)); err != nil {
		s.errs++
		logger.Error(ctx, "State advance failed", tag.Issue(d.Issue), tag.State(string(next)), tag.Error(err))
		return
	}
	logger.Info(ctx, "State advanced", tag.Issue(d.Issue), tag.State(string(next)))
}

// convertTodos files issues for the top batch of source markers on an idle
// cycle. Markers whose title already matches an open item are skipped.
func (s *Supervisor) convertTodos(ctx context.Context, items []platform.WorkItem) {
	root := s.cfg.ScanRoot
	if root == "" {
		root = "."
	}
	markers, err := ScanTodos(root, s.cfg.Excludes, todoScanLimit)
	if err != nil {
		logger.Warn(ctx, "Marker scan failed", tag.Dir(root), tag.Error(err))
		return
	}
	if len(markers) == 0 {
		return
	}

	existing := make(map[string]bool, len(items))
	for _, item := range items {
		existing[item.Title] = true
	}

	created := 0
	for _, m := range markers {
		if created >= todoBatchSize {
			break
		}
		title := m.IssueTitle()
		if existing[title] {
			continue
		}
		s.emitDecision(Decision{
			Kind:   DecisionExecute,
			Agent:  labels.AgentIssue,
			Reason: fmt.Sprintf("%s marker in %s:%d", m.Tag, m.File, m.Line),
		})
		issue, err := s.gateway.CreateIssue(ctx, s.cfg.Owner, s.cfg.Repo, platform.NewIssue{
			Title: title,
			Body:  m.IssueBody(),
			Labels: []string{
				labels.StateLabel(labels.StatePending),
				labels.TypeLabel(m.IssueType()),
			},
		})
		if err != nil {
			s.errs++
			logger.Error(ctx, "Converting marker to issue failed", tag.File(m.File), tag.Error(err))
			continue
		}
		created++
		existing[title] = true
		logger.Info(ctx, "Marker converted to issue", tag.Issue(issue.Number), tag.File(m.File))
	}
}

// sleep waits for the next cycle. Returns false when ctx ended first.
func (s *Supervisor) sleep(ctx context.Context) bool {
	d := s.cfg.Interval
	if s.schedule != nil {
		now := s.clock()
		d = s.schedule.Next(now).Sub(now)
	}
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Supervisor) emitDecision(d Decision) {
	s.emit(telemetry.KindDecision, map[string]any{
		"kind":     string(d.Kind),
		"issue":    d.Issue,
		"agent":    string(d.Agent),
		"reason":   d.Reason,
		"priority": d.Priority,
	})
}

func (s *Supervisor) emit(kind telemetry.Kind, payload map[string]any) {
	s.emitter.Emit(telemetry.NewEvent("supervisor", kind, payload))
}
