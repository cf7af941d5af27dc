package telemetry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyabi-org/miyabi/internal/telemetry"
)

// recordingSink collects every consumed event.
type recordingSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Consume(_ context.Context, ev telemetry.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) snapshot() []telemetry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]telemetry.Event(nil), r.events...)
}

func TestStreamDispatchesToSinks(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	s := telemetry.NewStream(16, sink)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	s.Emit(telemetry.NewEvent("scheduler", telemetry.KindGroupStart, map[string]any{"group": "g1"}))
	s.Emit(telemetry.NewEvent("scheduler", telemetry.KindGroupComplete, map[string]any{"group": "g1"}))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	got := sink.snapshot()
	assert.Equal(t, telemetry.KindGroupStart, got[0].Kind)
	assert.Equal(t, telemetry.KindGroupComplete, got[1].Kind)
	assert.False(t, got[0].Timestamp.IsZero(), "events are stamped on emit")

	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestStreamDrainsOnShutdown(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	s := telemetry.NewStream(16, sink)

	// Buffer events before the dispatcher ever runs, then start it on a
	// context that is already canceled. Shutdown must still flush them.
	for range 3 {
		s.Emit(telemetry.NewEvent("supervisor", telemetry.KindDecision, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not stop")
	}
	assert.Len(t, sink.snapshot(), 3)
}

func TestStreamEmitNeverBlocks(t *testing.T) {
	t.Parallel()
	s := telemetry.NewStream(2) // never started, nothing drains

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10 {
			s.Emit(telemetry.NewEvent("test", telemetry.KindAgentInvoke, nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}
	assert.EqualValues(t, 10, s.Total())
	assert.EqualValues(t, 8, s.Dropped())
}

func TestStreamSubscribe(t *testing.T) {
	t.Parallel()
	s := telemetry.NewStream(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	events, unsubscribe := s.Subscribe(8)
	s.Emit(telemetry.NewEvent("platform", telemetry.KindRateLimit, map[string]any{"reset": "soon"}))

	select {
	case ev := <-events:
		assert.Equal(t, telemetry.KindRateLimit, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber received nothing")
	}

	unsubscribe()
	s.Emit(telemetry.NewEvent("platform", telemetry.KindRateLimit, nil))
	select {
	case ev, ok := <-events:
		if ok {
			t.Fatalf("canceled subscriber received %v", ev.Kind)
		}
	case <-time.After(50 * time.Millisecond):
	}
}
