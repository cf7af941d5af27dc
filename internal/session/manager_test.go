package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/session"
	"github.com/miyabi-org/miyabi/internal/worktree"
)

// stubWorktrees satisfies session.Worktrees with real directories under a
// test temp root so prompt rendering has somewhere to write.
type stubWorktrees struct {
	t    *testing.T
	base string

	mu       sync.Mutex
	created  []string
	removed  []string
	touched  []string
	failWith error
}

func newStubWorktrees(t *testing.T) *stubWorktrees {
	t.Helper()
	return &stubWorktrees{t: t, base: t.TempDir()}
}

func (s *stubWorktrees) CreateForGroup(_ context.Context, groupID string, issueNumber int, opts worktree.CreateOptions) (*worktree.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	path := filepath.Join(s.base, groupID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	s.created = append(s.created, groupID)
	return &worktree.Info{
		Key:         groupID,
		GroupID:     groupID,
		IssueNumber: issueNumber,
		Branch:      "miyabi/issue-" + groupID,
		Path:        path,
		AgentKind:   opts.AgentKind,
	}, nil
}

func (s *stubWorktrees) RemoveGroup(_ context.Context, groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, groupID)
}

func (s *stubWorktrees) Touch(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, groupID)
}

func testSpec(group string) session.Spec {
	return session.Spec{
		GroupID:     group,
		IssueNumber: 42,
		AgentKind:   labels.AgentCodeGen,
		Title:       "Add caching layer",
		Prompt:      "# Task\n\nImplement the cache described in issue #42.\n",
		PlanSteps:   []string{"add cache type", "wire into client", "tests"},
	}
}

func TestCreate(t *testing.T) {
	t.Parallel()

	t.Run("renders prompt and plan then runs", func(t *testing.T) {
		t.Parallel()
		wt := newStubWorktrees(t)
		m := session.NewManager(wt)

		sess, err := m.Create(context.Background(), testSpec("group-42-0"))
		require.NoError(t, err)

		assert.NotEmpty(t, sess.ID)
		assert.Equal(t, session.StatusRunning, sess.Status)
		assert.Equal(t, "group-42-0", sess.GroupID)
		assert.Equal(t, labels.AgentCodeGen, sess.AgentKind)
		assert.False(t, sess.StartedAt.IsZero())

		prompt, err := os.ReadFile(filepath.Join(sess.WorktreePath, "TASK_PROMPT.md"))
		require.NoError(t, err)
		assert.Contains(t, string(prompt), "issue #42")

		plans, err := os.ReadFile(filepath.Join(sess.WorktreePath, "plans.md"))
		require.NoError(t, err)
		assert.Contains(t, string(plans), "- [ ] add cache type")
		assert.Contains(t, string(plans), "- [ ] tests")
	})

	t.Run("empty spec falls back to defaults", func(t *testing.T) {
		t.Parallel()
		wt := newStubWorktrees(t)
		m := session.NewManager(wt)

		spec := session.Spec{GroupID: "group-7-0", IssueNumber: 7, AgentKind: labels.AgentIssue, Title: "Triage"}
		sess, err := m.Create(context.Background(), spec)
		require.NoError(t, err)

		prompt, err := os.ReadFile(filepath.Join(sess.WorktreePath, "TASK_PROMPT.md"))
		require.NoError(t, err)
		assert.Contains(t, string(prompt), "Triage")

		plans, err := os.ReadFile(filepath.Join(sess.WorktreePath, "plans.md"))
		require.NoError(t, err)
		assert.Contains(t, string(plans), "complete the task described in TASK_PROMPT.md")
	})

	t.Run("worktree failure leaves no session behind", func(t *testing.T) {
		t.Parallel()
		wt := newStubWorktrees(t)
		wt.failWith = errors.New("git worktree add: exit status 128")
		m := session.NewManager(wt)

		_, err := m.Create(context.Background(), testSpec("group-9-0"))
		require.Error(t, err)
		assert.Zero(t, m.Statistics().Total)
	})
}

func TestCreateLimit(t *testing.T) {
	t.Parallel()

	wt := newStubWorktrees(t)
	m := session.NewManager(wt, session.WithMaxConcurrent(2))

	_, err := m.Create(context.Background(), testSpec("group-1-0"))
	require.NoError(t, err)
	_, err = m.Create(context.Background(), testSpec("group-2-0"))
	require.NoError(t, err)

	_, err = m.Create(context.Background(), testSpec("group-3-0"))
	require.ErrorIs(t, err, session.ErrSessionLimit)

	// Finishing one frees a slot.
	active := m.Active()
	require.Len(t, active, 2)
	require.NoError(t, m.Complete(active[0].ID, nil, nil))

	_, err = m.Create(context.Background(), testSpec("group-3-0"))
	require.NoError(t, err)
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("complete", func(t *testing.T) {
		t.Parallel()
		wt := newStubWorktrees(t)
		m := session.NewManager(wt)

		sess, err := m.Create(context.Background(), testSpec("group-1-0"))
		require.NoError(t, err)

		require.NoError(t, m.Complete(sess.ID, map[string]any{"filesChanged": 3}, map[string]string{"task-42-0": "done"}))

		got, ok := m.Get(sess.ID)
		require.True(t, ok)
		assert.Equal(t, session.StatusCompleted, got.Status)
		assert.False(t, got.FinishedAt.IsZero())
		assert.Equal(t, "done", got.TaskResults["task-42-0"])
		assert.Contains(t, wt.touched, "group-1-0")
	})

	t.Run("fail records the error", func(t *testing.T) {
		t.Parallel()
		wt := newStubWorktrees(t)
		m := session.NewManager(wt)

		sess, err := m.Create(context.Background(), testSpec("group-1-0"))
		require.NoError(t, err)

		require.NoError(t, m.Fail(sess.ID, errors.New("compile error in cache.go")))

		got, ok := m.Get(sess.ID)
		require.True(t, ok)
		assert.Equal(t, session.StatusFailed, got.Status)
		assert.Equal(t, "compile error in cache.go", got.Error)
	})

	t.Run("terminal sessions reject transitions", func(t *testing.T) {
		t.Parallel()
		wt := newStubWorktrees(t)
		m := session.NewManager(wt)

		sess, err := m.Create(context.Background(), testSpec("group-1-0"))
		require.NoError(t, err)
		require.NoError(t, m.Complete(sess.ID, nil, nil))

		assert.ErrorIs(t, m.Fail(sess.ID, errors.New("late")), session.ErrTerminal)
		assert.ErrorIs(t, m.Complete(sess.ID, nil, nil), session.ErrTerminal)
	})

	t.Run("unknown session", func(t *testing.T) {
		t.Parallel()
		m := session.NewManager(newStubWorktrees(t))
		assert.Error(t, m.Complete("nope", nil, nil))
	})
}

func TestCheckTimeouts(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := func() time.Time { return now }
	wt := newStubWorktrees(t)
	m := session.NewManager(wt,
		session.WithTimeout(30*time.Minute),
		session.WithClock(func() time.Time { return clock() }),
	)

	sess, err := m.Create(context.Background(), testSpec("group-1-0"))
	require.NoError(t, err)

	// Within budget: nothing expires.
	clock = func() time.Time { return now.Add(29 * time.Minute) }
	assert.Empty(t, m.CheckTimeouts(context.Background()))

	// Past budget: the session is promoted to timeout and reported.
	clock = func() time.Time { return now.Add(31 * time.Minute) }
	expired := m.CheckTimeouts(context.Background())
	require.Len(t, expired, 1)
	assert.Equal(t, sess.ID, expired[0].ID)
	assert.Equal(t, session.StatusTimeout, expired[0].Status)
	assert.Contains(t, expired[0].Error, "exceeded 30m")

	got, ok := m.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, session.StatusTimeout, got.Status)

	// A second sweep finds nothing; timeout is terminal.
	assert.Empty(t, m.CheckTimeouts(context.Background()))
}

func TestCheckTimeoutsCancelsWatchedContext(t *testing.T) {
	t.Parallel()

	now := time.Now()
	var mu sync.Mutex
	current := now
	m := session.NewManager(newStubWorktrees(t),
		session.WithTimeout(30*time.Minute),
		session.WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return current
		}),
	)

	live, err := m.Create(context.Background(), testSpec("group-1-0"))
	require.NoError(t, err)
	done, err := m.Create(context.Background(), testSpec("group-2-0"))
	require.NoError(t, err)

	liveCtx, liveCancel := context.WithCancel(context.Background())
	defer liveCancel()
	m.Watch(live.ID, liveCancel)

	doneCtx, doneCancel := context.WithCancel(context.Background())
	defer doneCancel()
	m.Watch(done.ID, doneCancel)
	require.NoError(t, m.Complete(done.ID, nil, nil))

	mu.Lock()
	current = now.Add(31 * time.Minute)
	mu.Unlock()
	require.Len(t, m.CheckTimeouts(context.Background()), 1)

	select {
	case <-liveCtx.Done():
	default:
		t.Fatal("the expired session's run context must be canceled")
	}
	select {
	case <-doneCtx.Done():
		t.Fatal("a completed session's run context must stay intact")
	default:
	}
}

func TestStatistics(t *testing.T) {
	t.Parallel()

	wt := newStubWorktrees(t)
	m := session.NewManager(wt, session.WithMaxConcurrent(10))

	a, err := m.Create(context.Background(), testSpec("group-1-0"))
	require.NoError(t, err)
	_, err = m.Create(context.Background(), testSpec("group-2-0"))
	require.NoError(t, err)
	require.NoError(t, m.Complete(a.ID, nil, nil))

	stats := m.Statistics()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[session.StatusRunning])
	assert.Equal(t, 1, stats.ByStatus[session.StatusCompleted])
}

func TestCleanupAll(t *testing.T) {
	t.Parallel()

	wt := newStubWorktrees(t)
	m := session.NewManager(wt, session.WithMaxConcurrent(10))

	_, err := m.Create(context.Background(), testSpec("group-1-0"))
	require.NoError(t, err)
	_, err = m.Create(context.Background(), testSpec("group-2-0"))
	require.NoError(t, err)

	m.CleanupAll(context.Background())
	assert.ElementsMatch(t, []string{"group-1-0", "group-2-0"}, wt.removed)
}
