// Package worktree gives every agent run an isolated checkout. Each work
// item gets its own branch and directory; the manager keeps an in-memory
// index so the supervisor can reap trees that stopped making progress.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/miyabi-org/miyabi/internal/common/fileutil"
	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/platform"
)

// AgentStatus tracks what the agent assigned to a worktree is doing.
type AgentStatus string

const (
	StatusAssigned  AgentStatus = "assigned"
	StatusWorking   AgentStatus = "working"
	StatusCompleted AgentStatus = "completed"
	StatusFailed    AgentStatus = "failed"
)

// Info describes one active worktree.
type Info struct {
	Key         string
	IssueNumber int
	GroupID     string
	Branch      string
	Path        string
	AgentKind   labels.AgentKind
	AgentStatus AgentStatus
	CreatedAt   time.Time
	LastActive  time.Time
}

// Statistics aggregates the index for status reporting.
type Statistics struct {
	Total    int
	ByAgent  map[labels.AgentKind]int
	ByStatus map[AgentStatus]int
}

const (
	defaultBranchPrefix = "miyabi/issue-"
	defaultMaxIdleTime  = time.Hour
)

// Manager creates, indexes, and reaps worktrees. Safe for concurrent use.
type Manager struct {
	repoDir      string
	baseDir      string
	branchPrefix string
	mainBranch   string
	maxIdleTime  time.Duration

	mu    sync.Mutex
	index map[string]*Info

	// runGit is swapped out in tests.
	runGit func(ctx context.Context, dir string, args ...string) (string, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithBranchPrefix overrides the branch name prefix.
func WithBranchPrefix(prefix string) Option {
	return func(m *Manager) { m.branchPrefix = prefix }
}

// WithMainBranch pins the branch new worktrees start from. When empty, the
// repository HEAD is used.
func WithMainBranch(branch string) Option {
	return func(m *Manager) { m.mainBranch = branch }
}

// WithMaxIdleTime overrides how long a worktree may sit untouched before
// Sweep reaps it.
func WithMaxIdleTime(d time.Duration) Option {
	return func(m *Manager) { m.maxIdleTime = d }
}

// New creates a Manager for the repository at repoDir, placing worktrees
// under baseDir.
func New(repoDir, baseDir string, opts ...Option) *Manager {
	m := &Manager{
		repoDir:      repoDir,
		baseDir:      baseDir,
		branchPrefix: defaultBranchPrefix,
		maxIdleTime:  defaultMaxIdleTime,
		index:        make(map[string]*Info),
		runGit:       runGit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		// Surface git's own words; they name the real problem.
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

// CreateOptions parameterize Create.
type CreateOptions struct {
	AgentKind labels.AgentKind
	Context   *ExecutionContext
}

// Create allocates a worktree for the given work item. An existing tree for
// the same item is torn down first, so Create always yields a fresh checkout.
func (m *Manager) Create(ctx context.Context, item *platform.WorkItem, opts CreateOptions) (*Info, error) {
	key := fmt.Sprintf("issue-%d", item.Number)
	branch := fmt.Sprintf("%s%d", m.branchPrefix, item.Number)
	return m.create(ctx, key, branch, item.Number, "", opts)
}

// CreateForGroup allocates a worktree keyed by a task group id. Session
// worktrees use the group id in both branch and path.
func (m *Manager) CreateForGroup(ctx context.Context, groupID string, issueNumber int, opts CreateOptions) (*Info, error) {
	branch := m.branchPrefix + groupID
	return m.create(ctx, groupID, branch, issueNumber, groupID, opts)
}

func (m *Manager) create(ctx context.Context, key, branch string, issueNumber int, groupID string, opts CreateOptions) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.baseDir, key)
	if fileutil.FileExists(path) {
		logger.Info(ctx, "Stale worktree found; recreating", tag.Dir(path))
		m.teardown(ctx, path, branch)
	}

	if err := fileutil.EnsureDir(m.baseDir, 0755); err != nil {
		return nil, err
	}

	args := []string{"worktree", "add", path, "-b", branch}
	if m.mainBranch != "" {
		args = append(args, m.mainBranch)
	}
	if _, err := m.runGit(ctx, m.repoDir, args...); err != nil {
		return nil, fmt.Errorf("failed to create worktree for %s: %w", key, err)
	}

	if opts.Context != nil {
		if err := opts.Context.render(path); err != nil {
			m.teardown(ctx, path, branch)
			return nil, err
		}
	}

	now := time.Now()
	info := &Info{
		Key:         key,
		IssueNumber: issueNumber,
		GroupID:     groupID,
		Branch:      branch,
		Path:        path,
		AgentKind:   opts.AgentKind,
		AgentStatus: StatusAssigned,
		CreatedAt:   now,
		LastActive:  now,
	}
	m.index[key] = info

	logger.Info(ctx, "Worktree created", tag.Dir(path), tag.Branch(branch), tag.Agent(string(opts.AgentKind)))
	cp := *info
	return &cp, nil
}

// teardown removes VCS registration, branch, and directory. Tolerates
// partial state; callers hold the lock.
func (m *Manager) teardown(ctx context.Context, path, branch string) {
	if _, err := m.runGit(ctx, m.repoDir, "worktree", "remove", "--force", path); err != nil {
		logger.Debug(ctx, "Worktree deregistration failed", tag.Dir(path), tag.Error(err))
	}
	if branch != "" {
		if _, err := m.runGit(ctx, m.repoDir, "branch", "-D", branch); err != nil {
			logger.Debug(ctx, "Branch deletion failed", tag.Branch(branch), tag.Error(err))
		}
	}
	if err := os.RemoveAll(path); err != nil {
		logger.Warn(ctx, "Worktree directory removal failed", tag.Dir(path), tag.Error(err))
	}
}

// Remove tears down the worktree for an issue. Removal problems are logged,
// never fatal.
func (m *Manager) Remove(ctx context.Context, issueNumber int) {
	m.removeByKey(ctx, fmt.Sprintf("issue-%d", issueNumber))
}

// RemoveGroup tears down a session worktree.
func (m *Manager) RemoveGroup(ctx context.Context, groupID string) {
	m.removeByKey(ctx, groupID)
}

func (m *Manager) removeByKey(ctx context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.index[key]
	if !ok {
		return
	}
	m.teardown(ctx, info.Path, info.Branch)
	delete(m.index, key)
	logger.Info(ctx, "Worktree removed", tag.Dir(info.Path))
}

// UpdateAgentStatus records agent progress and refreshes the idle clock.
func (m *Manager) UpdateAgentStatus(issueNumber int, status AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("issue-%d", issueNumber)
	info, ok := m.index[key]
	if !ok {
		return fmt.Errorf("no worktree registered for issue %d", issueNumber)
	}
	info.AgentStatus = status
	info.LastActive = time.Now()
	return nil
}

// Touch refreshes the idle clock for a group worktree.
func (m *Manager) Touch(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.index[groupID]; ok {
		info.LastActive = time.Now()
	}
}

// Get returns the registered worktree for an issue, if any.
func (m *Manager) Get(issueNumber int) (*Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.index[fmt.Sprintf("issue-%d", issueNumber)]
	if !ok {
		return nil, false
	}
	cp := *info
	return &cp, true
}

// ByAgent returns the worktrees assigned to one agent kind.
func (m *Manager) ByAgent(kind labels.AgentKind) []Info {
	return m.filter(func(i *Info) bool { return i.AgentKind == kind })
}

// ByAgentStatus returns the worktrees whose agent is in the given status.
func (m *Manager) ByAgentStatus(status AgentStatus) []Info {
	return m.filter(func(i *Info) bool { return i.AgentStatus == status })
}

func (m *Manager) filter(keep func(*Info) bool) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Info
	for _, info := range m.index {
		if keep(info) {
			out = append(out, *info)
		}
	}
	return out
}

// Statistics summarizes the index.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{
		Total:    len(m.index),
		ByAgent:  make(map[labels.AgentKind]int),
		ByStatus: make(map[AgentStatus]int),
	}
	for _, info := range m.index {
		stats.ByAgent[info.AgentKind]++
		stats.ByStatus[info.AgentStatus]++
	}
	return stats
}

// Sweep reaps worktrees idle longer than maxIdleTime and returns how many
// were removed.
func (m *Manager) Sweep(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.maxIdleTime)
	removed := 0
	for key, info := range m.index {
		if info.LastActive.After(cutoff) {
			continue
		}
		logger.Info(ctx, "Reaping idle worktree", tag.Dir(info.Path),
			tag.Duration(time.Since(info.LastActive)))
		m.teardown(ctx, info.Path, info.Branch)
		delete(m.index, key)
		removed++
	}
	return removed
}

// CleanupAll reaps every known worktree.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, info := range m.index {
		m.teardown(ctx, info.Path, info.Branch)
		delete(m.index, key)
	}
}
