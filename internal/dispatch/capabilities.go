package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/platform"
	"github.com/miyabi-org/miyabi/internal/session"
	"github.com/miyabi-org/miyabi/internal/telemetry"
)

// Capabilities bundles the external powers an agent may use during a run.
// Agents receive them per dispatch and must not retain them afterwards; the
// dispatcher swaps implementations for dry runs without the agent noticing.
type Capabilities struct {
	// Gateway talks to the hosting platform. Never nil in a live dispatch;
	// dry runs substitute a logging decorator.
	Gateway platform.Gateway

	// Artifacts is the per-item output store shared by the pipeline.
	Artifacts *artifact.Store

	// Sessions binds workspace-bound agent runs to isolated worktrees. Nil
	// skips session bookkeeping; agents then work purely against the
	// artifact store.
	Sessions *session.Manager

	// LLM drafts prose when available. Nil is legal: every agent degrades
	// to its deterministic heuristics so the pipeline runs without a key.
	LLM LLM

	// Emitter receives telemetry from the dispatcher and the agents.
	Emitter telemetry.Emitter

	// Clock supplies the current time. Tests pin it.
	Clock func() time.Time
}

// LLM is a minimal completion capability. Implementations wrap a provider
// SDK; the dispatcher wraps them again to meter token usage per run.
type LLM interface {
	Complete(ctx context.Context, system, prompt string) (Completion, error)
}

// Completion is one model response with the token counts the provider
// reported for it.
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// llmMeter decorates an LLM and accumulates token usage across the calls of
// a single dispatch. The dispatcher reads the totals into the run result.
type llmMeter struct {
	inner LLM

	mu  sync.Mutex
	in  int
	out int
}

var _ LLM = (*llmMeter)(nil)

func (m *llmMeter) Complete(ctx context.Context, system, prompt string) (Completion, error) {
	c, err := m.inner.Complete(ctx, system, prompt)
	m.mu.Lock()
	m.in += c.TokensIn
	m.out += c.TokensOut
	m.mu.Unlock()
	return c, err
}

func (m *llmMeter) totals() (in, out int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.in, m.out
}

func asAppError(err error) (*apperr.Error, bool) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
