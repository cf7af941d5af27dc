package telemetry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyabi-org/miyabi/internal/telemetry"
	"github.com/miyabi-org/miyabi/internal/telemetry/notify"
)

// recordingNotifier collects delivered messages.
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// failingAggregator seeds an aggregator whose failure rate breaches the
// default 20% threshold: 3 of 6 runs failed.
func failingAggregator(t *testing.T) *telemetry.Aggregator {
	t.Helper()
	ctx := context.Background()
	agg := telemetry.NewAggregator(time.Minute, telemetry.Tariff{})
	for range 3 {
		require.NoError(t, agg.Consume(ctx, result("codegen", "success", time.Second, nil)))
		require.NoError(t, agg.Consume(ctx, result("codegen", "failure", 0, nil)))
	}
	return agg
}

func TestAlertEngineFiresOnFailureRate(t *testing.T) {
	t.Parallel()
	notifier := &recordingNotifier{}
	var emitted []telemetry.Event
	emitter := telemetry.EmitterFunc(func(ev telemetry.Event) { emitted = append(emitted, ev) })

	thresholds := telemetry.DefaultThresholds()
	thresholds.MinThroughputPerMin = 0 // isolate the failure-rate rule
	engine := telemetry.NewAlertEngine(thresholds, time.Hour, nil, failingAggregator(t), emitter, notifier)

	fired := engine.Evaluate(context.Background())
	require.Len(t, fired, 1)
	assert.Equal(t, "failure-rate", fired[0].Rule)
	assert.InDelta(t, 0.5, fired[0].Value, 1e-9)
	assert.Equal(t, 1, notifier.count())

	require.Len(t, emitted, 1)
	assert.Equal(t, telemetry.KindAlert, emitted[0].Kind)
	assert.Equal(t, "failure-rate", emitted[0].Payload["rule"])
}

func TestAlertEngineCooldown(t *testing.T) {
	t.Parallel()
	notifier := &recordingNotifier{}
	thresholds := telemetry.DefaultThresholds()
	thresholds.MinThroughputPerMin = 0

	t.Run("SuppressesRepeatWithinCooldown", func(t *testing.T) {
		engine := telemetry.NewAlertEngine(thresholds, time.Hour, nil, failingAggregator(t), nil, notifier)
		require.Len(t, engine.Evaluate(context.Background()), 1)
		assert.Empty(t, engine.Evaluate(context.Background()))
		assert.Equal(t, 1, notifier.count())
	})

	t.Run("RefiresAfterCooldown", func(t *testing.T) {
		engine := telemetry.NewAlertEngine(thresholds, time.Nanosecond, nil, failingAggregator(t), nil)
		require.Len(t, engine.Evaluate(context.Background()), 1)
		time.Sleep(time.Millisecond)
		assert.Len(t, engine.Evaluate(context.Background()), 1)
	})
}

func TestAlertEngineQuietRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("TooFewRunsForRateRules", func(t *testing.T) {
		t.Parallel()
		agg := telemetry.NewAggregator(time.Minute, telemetry.Tariff{})
		// 1 of 2 failed is a 50% rate, but two runs prove nothing.
		require.NoError(t, agg.Consume(ctx, result("codegen", "success", time.Second, nil)))
		require.NoError(t, agg.Consume(ctx, result("codegen", "failure", 0, nil)))

		engine := telemetry.NewAlertEngine(telemetry.DefaultThresholds(), time.Hour, nil, agg, nil)
		assert.Empty(t, engine.Evaluate(ctx))
	})

	t.Run("ZeroThresholdDisablesRule", func(t *testing.T) {
		t.Parallel()
		thresholds := telemetry.Thresholds{} // everything disabled
		engine := telemetry.NewAlertEngine(thresholds, time.Hour, nil, failingAggregator(t), nil)
		assert.Empty(t, engine.Evaluate(ctx))
	})

	t.Run("NilSourcesFireNothing", func(t *testing.T) {
		t.Parallel()
		engine := telemetry.NewAlertEngine(telemetry.DefaultThresholds(), time.Hour, nil, nil, nil)
		assert.Empty(t, engine.Evaluate(ctx))
	})
}
