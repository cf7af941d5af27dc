package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miyabi-org/miyabi/internal/common/fileutil"
	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
	"github.com/miyabi-org/miyabi/internal/worktree"
)

// ErrSessionLimit is returned by Create when maxConcurrentSessions are
// already active. The scheduler backs off and retries later.
var ErrSessionLimit = errors.New("session limit reached")

// ErrTerminal is returned when a lifecycle call targets a session that has
// already finished.
var ErrTerminal = errors.New("session already terminal")

const (
	defaultMaxConcurrent = 3
	defaultTimeout       = time.Hour

	promptFile = "TASK_PROMPT.md"
	plansFile  = "plans.md"
)

// Worktrees is the slice of the worktree manager sessions need.
type Worktrees interface {
	CreateForGroup(ctx context.Context, groupID string, issueNumber int, opts worktree.CreateOptions) (*worktree.Info, error)
	RemoveGroup(ctx context.Context, groupID string)
	Touch(groupID string)
}

// Manager creates sessions and drives their lifecycle. Safe for concurrent
// use.
type Manager struct {
	worktrees     Worktrees
	maxConcurrent int
	timeout       time.Duration
	now           func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	cancels  map[string]context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxConcurrent caps simultaneously active sessions.
func WithMaxConcurrent(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxConcurrent = n
		}
	}
}

// WithTimeout overrides how long a session may run before CheckTimeouts
// declares it dead.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithClock substitutes the time source. Only used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager on top of the given worktrees.
func NewManager(wt Worktrees, opts ...Option) *Manager {
	m := &Manager{
		worktrees:     wt,
		maxConcurrent: defaultMaxConcurrent,
		timeout:       defaultTimeout,
		now:           time.Now,
		sessions:      make(map[string]*Session),
		cancels:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create allocates a worktree for the group, renders the prompt and plan
// files, and returns the session in running state. At the concurrency cap it
// fails with ErrSessionLimit without side effects.
func (m *Manager) Create(ctx context.Context, spec Spec) (*Session, error) {
	m.mu.Lock()
	if m.activeLocked() >= m.maxConcurrent {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d active", ErrSessionLimit, m.maxConcurrent)
	}
	sess := &Session{
		ID:          uuid.New().String(),
		GroupID:     spec.GroupID,
		IssueNumber: spec.IssueNumber,
		AgentKind:   spec.AgentKind,
		Status:      StatusInitializing,
		StartedAt:   m.now(),
	}
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	info, err := m.worktrees.CreateForGroup(ctx, spec.GroupID, spec.IssueNumber, worktree.CreateOptions{
		AgentKind: spec.AgentKind,
	})
	if err != nil {
		m.drop(sess.ID)
		return nil, fmt.Errorf("failed to allocate session worktree: %w", err)
	}

	if err := renderSessionFiles(info.Path, spec); err != nil {
		m.worktrees.RemoveGroup(ctx, spec.GroupID)
		m.drop(sess.ID)
		return nil, err
	}

	m.mu.Lock()
	sess.WorktreePath = info.Path
	sess.Branch = info.Branch
	sess.Status = StatusRunning
	sess.StartedAt = m.now()
	cp := *sess
	m.mu.Unlock()

	logger.Info(ctx, "Session started", tag.Session(cp.ID), tag.Group(cp.GroupID),
		tag.Agent(string(cp.AgentKind)), tag.Dir(cp.WorktreePath))
	return &cp, nil
}

func (m *Manager) drop(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	delete(m.cancels, id)
	m.mu.Unlock()
}

// Watch registers the cancel function of the context hosting the session's
// agent run. CheckTimeouts invokes it when the session expires, which
// unwinds the run instead of letting it finish against a dead session.
func (m *Manager) Watch(id string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && !s.Status.IsTerminal() {
		m.cancels[id] = cancel
	}
}

// activeLocked counts sessions that hold a concurrency slot.
func (m *Manager) activeLocked() int {
	n := 0
	for _, s := range m.sessions {
		if !s.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Complete moves a running session to completed.
func (m *Manager) Complete(id string, result any, taskResults map[string]string) error {
	return m.finish(id, StatusCompleted, func(s *Session) {
		s.Result = result
		s.TaskResults = taskResults
	})
}

// Fail moves a running session to failed.
func (m *Manager) Fail(id string, err error) error {
	return m.finish(id, StatusFailed, func(s *Session) {
		if err != nil {
			s.Error = err.Error()
		}
	})
}

func (m *Manager) finish(id string, status Status, apply func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("unknown session %q", id)
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, s.Status)
	}
	s.Status = status
	s.FinishedAt = m.now()
	apply(s)
	delete(m.cancels, id)
	m.worktrees.Touch(s.GroupID)
	return nil
}

// CheckTimeouts promotes running sessions past the timeout to the timeout
// status with a synthetic error and cancels their watched run contexts,
// returning the promoted sessions so callers can fail their groups and
// release slots.
func (m *Manager) CheckTimeouts(ctx context.Context) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Session
	now := m.now()
	for _, s := range m.sessions {
		if s.Status != StatusRunning {
			continue
		}
		if now.Sub(s.StartedAt) <= m.timeout {
			continue
		}
		s.Status = StatusTimeout
		s.FinishedAt = now
		s.Error = fmt.Sprintf("session exceeded %s", m.timeout)
		if cancel, ok := m.cancels[s.ID]; ok {
			cancel()
			delete(m.cancels, s.ID)
		}
		expired = append(expired, *s)
		logger.Warn(ctx, "Session timed out", tag.Session(s.ID), tag.Group(s.GroupID),
			tag.Duration(now.Sub(s.StartedAt)))
	}
	return expired
}

// Get returns a copy of the session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// Active returns copies of the non-terminal sessions.
func (m *Manager) Active() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if !s.Status.IsTerminal() {
			out = append(out, *s)
		}
	}
	return out
}

// Statistics aggregates counts by status.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{Total: len(m.sessions), ByStatus: make(map[Status]int)}
	for _, s := range m.sessions {
		stats.ByStatus[s.Status]++
	}
	return stats
}

// CleanupAll tears down the worktree of every known session.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	groups := make([]string, 0, len(m.sessions))
	for _, s := range m.sessions {
		groups = append(groups, s.GroupID)
	}
	m.mu.Unlock()

	for _, g := range groups {
		m.worktrees.RemoveGroup(ctx, g)
	}
}

func renderSessionFiles(dir string, spec Spec) error {
	prompt := spec.Prompt
	if prompt == "" {
		prompt = fmt.Sprintf("# Task\n\n%s\n", spec.Title)
	}
	if err := fileutil.WriteFileAtomic(filepath.Join(dir, promptFile), []byte(prompt), 0644); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Plan: %s\n\n", spec.GroupID)
	if len(spec.PlanSteps) == 0 {
		b.WriteString("- [ ] complete the task described in TASK_PROMPT.md\n")
	}
	for _, step := range spec.PlanSteps {
		fmt.Fprintf(&b, "- [ ] %s\n", step)
	}
	return fileutil.WriteFileAtomic(filepath.Join(dir, plansFile), []byte(b.String()), 0644)
}
