// Package scheduler dispatches TaskGroups in dependency order under a
// concurrency cap. Failed groups are re-queued until their retry budget is
// exhausted, then their transitive dependents are skipped. A rate-limited
// platform pauses dispatch until the limit resets; in-flight work finishes.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/miyabi-org/miyabi/internal/taskgraph"
	"github.com/miyabi-org/miyabi/internal/telemetry"
)

// Status is the lifecycle state of the scheduler itself.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusPaused
	StatusCompleted
	StatusFailed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "idle"
	}
}

// IsTerminal reports whether the scheduler has finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SkipReasonUpstream marks groups poisoned by a failed dependency.
const SkipReasonUpstream = "upstream failure"

var (
	// ErrGroupNotFound is returned when an id does not name an enqueued group.
	ErrGroupNotFound = errors.New("task group not found")
	// ErrNotWaiting is returned by StartGroup when the group already left the queue.
	ErrNotWaiting = errors.New("task group is not waiting")
	// ErrNotRunning is returned by CompleteGroup and FailGroup for idle groups.
	ErrNotRunning = errors.New("task group is not running")
	// ErrFinished is returned when new work is offered to a finished scheduler.
	ErrFinished = errors.New("scheduler already finished")
)

const (
	defaultMaxConcurrency = 3
	defaultMaxRetries     = 2
	defaultPollInterval   = 100 * time.Millisecond
	defaultGracePeriod    = 30 * time.Second
)

// Scheduler tracks TaskGroups through waiting, running and terminal states.
// All methods are safe for concurrent use.
type Scheduler struct {
	mu             sync.RWMutex
	status         Status
	maxConcurrency int
	maxRetries     int
	groups         map[string]*TaskGroup
	order          []*TaskGroup
	seq            int
	startTime      time.Time
	endTime        time.Time
	resumeTimer    *time.Timer
	emitter        telemetry.Emitter
	clock          func() time.Time
	pollInterval   time.Duration
	gracePeriod    time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxConcurrency caps how many groups may run at once. Values below one
// are coerced to one.
func WithMaxConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n < 1 {
			n = 1
		}
		s.maxConcurrency = n
	}
}

// WithMaxRetries sets the per-group retry budget.
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) {
		if n < 0 {
			n = 0
		}
		s.maxRetries = n
	}
}

// WithEmitter routes lifecycle events to the given telemetry emitter.
func WithEmitter(e telemetry.Emitter) Option {
	return func(s *Scheduler) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.clock = now
		}
	}
}

// WithPollInterval sets how long Run sleeps between dispatch passes.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithGracePeriod bounds how long Run waits for in-flight groups after
// cancellation before giving up on them.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

// New returns an idle scheduler. Groups are added with Enqueue.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		status:         StatusIdle,
		maxConcurrency: defaultMaxConcurrency,
		maxRetries:     defaultMaxRetries,
		groups:         make(map[string]*TaskGroup),
		emitter:        telemetry.Nop,
		clock:          time.Now,
		pollInterval:   defaultPollInterval,
		gracePeriod:    defaultGracePeriod,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue adds groups to the queue in waiting state. Group ids must be
// unique; duplicates and nil groups are rejected.
func (s *Scheduler) Enqueue(groups ...*TaskGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.IsTerminal() {
		return ErrFinished
	}
	known := make(map[string]bool, len(s.groups)+len(groups))
	for id := range s.groups {
		known[id] = true
	}
	for _, g := range groups {
		if g == nil || g.ID == "" {
			return errors.New("task group must have an id")
		}
		if _, exists := s.groups[g.ID]; exists || known[g.ID] {
			return fmt.Errorf("task group %s already enqueued", g.ID)
		}
		known[g.ID] = true
	}
	// A dependency on an unknown group could never complete and would hang
	// dispatch, so reject it up front.
	for _, g := range groups {
		for _, dep := range g.Depends {
			if !known[dep] {
				return fmt.Errorf("task group %s depends on unknown group %s", g.ID, dep)
			}
		}
	}
	for _, g := range groups {
		g.status = GroupWaiting
		g.enqueuedAt = s.clock()
		g.seq = s.seq
		s.seq++
		s.groups[g.ID] = g
		s.order = append(s.order, g)
	}
	for _, g := range groups {
		if s.depsCompleted(g) {
			g.setTaskStatus(taskgraph.TaskReady)
		}
	}
	return nil
}

// NextGroup returns the most urgent dispatchable group: waiting, all
// dependencies completed, picked by smallest level, then smallest priority,
// then oldest enqueue. It returns nil while paused, at the concurrency cap,
// or when nothing is dispatchable.
func (s *Scheduler) NextGroup() *TaskGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.status == StatusPaused || s.status.IsTerminal() {
		return nil
	}
	if s.runningCount() >= s.maxConcurrency {
		return nil
	}

	var best *TaskGroup
	for _, g := range s.order {
		if g.status != GroupWaiting || !s.depsCompleted(g) {
			continue
		}
		if best == nil || dispatchBefore(g, best) {
			best = g
		}
	}
	return best
}

// dispatchBefore reports whether a should be dispatched ahead of b.
func dispatchBefore(a, b *TaskGroup) bool {
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.seq < b.seq
}

func (s *Scheduler) depsCompleted(g *TaskGroup) bool {
	for _, dep := range g.Depends {
		parent, ok := s.groups[dep]
		if !ok || parent.status != GroupCompleted {
			return false
		}
	}
	return true
}

// StartGroup transitions a waiting group to running. The first start moves
// the scheduler from idle to running.
func (s *Scheduler) StartGroup(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	if g.status != GroupWaiting {
		return fmt.Errorf("%w: %s is %s", ErrNotWaiting, id, g.status)
	}

	g.status = GroupRunning
	g.setTaskStatus(taskgraph.TaskRunning)
	g.startedAt = s.clock()
	if s.status == StatusIdle {
		s.status = StatusRunning
		s.startTime = g.startedAt
		s.emitState()
	}
	s.emit(telemetry.KindGroupStart, map[string]any{
		"group": g.ID,
		"agent": string(g.AgentKind),
		"level": g.Level,
		"tasks": len(g.Tasks),
	})
	return nil
}

// CompleteGroup transitions a running group to completed, releasing its
// dependents for dispatch.
func (s *Scheduler) CompleteGroup(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	if g.status != GroupRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, g.status)
	}

	g.status = GroupCompleted
	g.setTaskStatus(taskgraph.TaskCompleted)
	g.finishedAt = s.clock()
	g.err = nil
	// Dependents of the finished group just became dispatchable.
	for _, other := range s.order {
		if other.status == GroupWaiting && s.depsCompleted(other) {
			other.setTaskStatus(taskgraph.TaskReady)
		}
	}
	s.emit(telemetry.KindGroupComplete, map[string]any{
		"group":      g.ID,
		"agent":      string(g.AgentKind),
		"durationMs": g.Duration().Milliseconds(),
	})
	s.finalize()
	return nil
}

// FailGroup records a failed execution. Below the retry budget the group
// returns to waiting; once the budget is spent it becomes failed and every
// transitive dependent is skipped.
func (s *Scheduler) FailGroup(id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	if g.status != GroupRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, g.status)
	}

	g.err = cause
	if g.retries < s.maxRetries {
		g.retries++
		g.status = GroupWaiting
		g.setTaskStatus(taskgraph.TaskReady)
		g.startedAt = time.Time{}
		s.emit(telemetry.KindGroupRetry, map[string]any{
			"group":   g.ID,
			"agent":   string(g.AgentKind),
			"attempt": g.retries,
			"error":   errString(cause),
		})
		return nil
	}

	g.status = GroupFailed
	g.setTaskStatus(taskgraph.TaskFailed)
	g.finishedAt = s.clock()
	s.emit(telemetry.KindGroupFail, map[string]any{
		"group":   g.ID,
		"agent":   string(g.AgentKind),
		"retries": g.retries,
		"error":   errString(cause),
	})
	s.skipDependents(g.ID)
	s.finalize()
	return nil
}

// skipDependents poisons every group downstream of the given id.
func (s *Scheduler) skipDependents(failedID string) {
	poisoned := map[string]bool{failedID: true}
	for changed := true; changed; {
		changed = false
		for _, g := range s.order {
			if g.status != GroupWaiting {
				continue
			}
			for _, dep := range g.Depends {
				if !poisoned[dep] {
					continue
				}
				g.status = GroupSkipped
				g.setTaskStatus(taskgraph.TaskSkipped)
				g.skipReason = SkipReasonUpstream
				g.finishedAt = s.clock()
				poisoned[g.ID] = true
				changed = true
				s.emit(telemetry.KindGroupSkip, map[string]any{
					"group":  g.ID,
					"agent":  string(g.AgentKind),
					"reason": g.skipReason,
				})
				break
			}
		}
	}
}

// Pause stops dispatch. Running groups finish; nothing new starts.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning && s.status != StatusIdle {
		return
	}
	s.status = StatusPaused
	s.emitState()
}

// Resume restarts dispatch after a pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPaused {
		return
	}
	if s.startTime.IsZero() {
		s.status = StatusIdle
	} else {
		s.status = StatusRunning
	}
	s.emitState()
	s.finalize()
}

// PauseUntil pauses dispatch and schedules an automatic resume. Platform
// rate-limit hooks call this with the advertised reset time. The pause and
// the timer arm under one lock acquisition, so a concurrent Resume cannot
// slip between them and be re-paused by a stale timer.
func (s *Scheduler) PauseUntil(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusRunning || s.status == StatusIdle {
		s.status = StatusPaused
		s.emitState()
	}
	if s.status != StatusPaused {
		return
	}
	delay := time.Until(t)
	if delay < 0 {
		delay = 0
	}
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
	}
	s.resumeTimer = time.AfterFunc(delay, s.Resume)
}

// Progress is a point-in-time counter snapshot. Waiting + Running +
// Completed + Failed + Skipped always equals Total.
type Progress struct {
	Total     int
	Waiting   int
	Running   int
	Completed int
	Failed    int
	Skipped   int
}

// Percent returns overall completion as 0..100, counting every terminal
// group. An empty queue reports 100.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Completed+p.Failed+p.Skipped) / float64(p.Total) * 100
}

// Progress returns the current counters.
func (s *Scheduler) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progressLocked()
}

func (s *Scheduler) progressLocked() Progress {
	p := Progress{Total: len(s.order)}
	for _, g := range s.order {
		switch g.status {
		case GroupWaiting:
			p.Waiting++
		case GroupRunning:
			p.Running++
		case GroupCompleted:
			p.Completed++
		case GroupFailed:
			p.Failed++
		case GroupSkipped:
			p.Skipped++
		}
	}
	return p
}

// EstimatedTimeRemaining projects the remaining wall time from the observed
// completion rate. It returns nil before the first completion.
func (s *Scheduler) EstimatedTimeRemaining() *time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.progressLocked()
	if p.Completed == 0 || s.startTime.IsZero() {
		return nil
	}
	elapsed := s.clock().Sub(s.startTime)
	if elapsed <= 0 {
		return nil
	}
	perGroup := elapsed / time.Duration(p.Completed)
	remaining := time.Duration(p.Waiting+p.Running) * perGroup
	return &remaining
}

// HasWorkRemaining reports whether any group is still waiting or running.
func (s *Scheduler) HasWorkRemaining() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.progressLocked()
	return p.Waiting+p.Running > 0
}

// CanAcceptWork reports whether a new group could start right now.
func (s *Scheduler) CanAcceptWork() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == StatusPaused || s.status.IsTerminal() {
		return false
	}
	return s.runningCount() < s.maxConcurrency
}

// FailedGroups returns groups that exhausted their retry budget, in
// enqueue order.
func (s *Scheduler) FailedGroups() []*TaskGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var failed []*TaskGroup
	for _, g := range s.order {
		if g.status == GroupFailed {
			failed = append(failed, g)
		}
	}
	return failed
}

// Groups returns all enqueued groups sorted by level, priority and enqueue
// order, regardless of state.
func (s *Scheduler) Groups() []*TaskGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*TaskGroup, len(s.order))
	copy(out, s.order)
	sort.SliceStable(out, func(i, j int) bool { return dispatchBefore(out[i], out[j]) })
	return out
}

// Status returns the scheduler lifecycle state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// ProgressSummary renders a one-line human progress report.
func (s *Scheduler) ProgressSummary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.progressLocked()
	return fmt.Sprintf("%d/%d groups done (%.0f%%): %d running, %d waiting, %d failed, %d skipped",
		p.Completed, p.Total, p.Percent(), p.Running, p.Waiting, p.Failed, p.Skipped)
}

// Snapshot exports the state the telemetry collector scrapes.
func (s *Scheduler) Snapshot() telemetry.SchedulerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.progressLocked()
	return telemetry.SchedulerSnapshot{
		Status:    s.status.String(),
		Waiting:   p.Waiting,
		Running:   p.Running,
		Completed: p.Completed,
		Failed:    p.Failed,
		Skipped:   p.Skipped,
	}
}

// finalize flips the scheduler to a terminal state once every group is
// terminal. Callers must hold the write lock.
func (s *Scheduler) finalize() {
	if s.status.IsTerminal() || len(s.order) == 0 {
		return
	}
	p := s.progressLocked()
	if p.Waiting+p.Running > 0 {
		return
	}
	if p.Failed > 0 {
		s.status = StatusFailed
	} else {
		s.status = StatusCompleted
	}
	s.endTime = s.clock()
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
		s.resumeTimer = nil
	}
	s.emitState()
}

func (s *Scheduler) runningCount() int {
	n := 0
	for _, g := range s.order {
		if g.status == GroupRunning {
			n++
		}
	}
	return n
}

func (s *Scheduler) emitState() {
	p := s.progressLocked()
	s.emit(telemetry.KindSchedulerState, map[string]any{
		"status":    s.status.String(),
		"total":     p.Total,
		"waiting":   p.Waiting,
		"running":   p.Running,
		"completed": p.Completed,
		"failed":    p.Failed,
		"skipped":   p.Skipped,
	})
}

func (s *Scheduler) emit(kind telemetry.Kind, payload map[string]any) {
	s.emitter.Emit(telemetry.NewEvent("scheduler", kind, payload))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
