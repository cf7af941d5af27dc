package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyabi-org/miyabi/internal/telemetry"
)

func result(agent, outcome string, duration time.Duration, extra map[string]any) telemetry.Event {
	payload := map[string]any{
		"agent":      agent,
		"outcome":    outcome,
		"durationMs": duration,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return telemetry.NewEvent("dispatch", telemetry.KindAgentResult, payload)
}

func TestAggregatorMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	agg := telemetry.NewAggregator(time.Minute, telemetry.Tariff{InPerKilo: 3, OutPerKilo: 15})

	durations := []time.Duration{
		1 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second,
	}
	for _, d := range durations {
		require.NoError(t, agg.Consume(ctx, result("codegen", "success", d, map[string]any{
			"tokensIn": 1000, "tokensOut": 200,
		})))
	}
	require.NoError(t, agg.Consume(ctx, result("codegen", "failure", 0, nil)))

	m := agg.Metrics("codegen")
	assert.Equal(t, 5, m.Completed)
	assert.Equal(t, 1, m.Failed)
	assert.InDelta(t, 1.0/6.0, m.ErrorRate, 1e-9)
	assert.Equal(t, 3*time.Second, m.MeanDuration)
	assert.Equal(t, 3*time.Second, m.MedianDuration)
	assert.Equal(t, 5*time.Second, m.P95Duration)
	assert.Equal(t, 5*time.Second, m.P99Duration)

	// 5 completions in a 1-minute window.
	assert.InDelta(t, 5, m.ThroughputPerMin, 1e-9)

	// 5000 tokens in at 3/kilo + 1000 out at 15/kilo.
	assert.InDelta(t, 5*3+1*15, m.EstimatedCost, 1e-9)
	assert.EqualValues(t, 5000, m.TokensIn)
	assert.EqualValues(t, 1000, m.TokensOut)
}

func TestAggregatorIgnoresOtherEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	agg := telemetry.NewAggregator(0, telemetry.Tariff{})

	require.NoError(t, agg.Consume(ctx, telemetry.NewEvent("scheduler",
		telemetry.KindGroupComplete, map[string]any{"agent": "codegen"})))
	require.NoError(t, agg.Consume(ctx, telemetry.NewEvent("dispatch",
		telemetry.KindAgentResult, map[string]any{"outcome": "success"}))) // no agent

	assert.Empty(t, agg.Report().Agents)
}

func TestAggregatorReportTotals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	agg := telemetry.NewAggregator(time.Minute, telemetry.Tariff{})

	require.NoError(t, agg.Consume(ctx, result("issue", "success", time.Second, nil)))
	require.NoError(t, agg.Consume(ctx, result("review", "success", time.Second, nil)))
	require.NoError(t, agg.Consume(ctx, result("review", "failure", 0, nil)))

	sum := agg.Report()
	require.Len(t, sum.Agents, 2)
	// Sorted by agent name.
	assert.Equal(t, "issue", sum.Agents[0].Agent)
	assert.Equal(t, "review", sum.Agents[1].Agent)
	assert.Equal(t, 2, sum.TotalCompleted)
	assert.Equal(t, 1, sum.TotalFailed)
	assert.InDelta(t, 1.0/3.0, sum.ErrorRate, 1e-9)
}

func TestAggregatorWindowPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	agg := telemetry.NewAggregator(time.Minute, telemetry.Tariff{})

	old := result("codegen", "success", time.Second, nil)
	old.Timestamp = time.Now().Add(-2 * time.Minute)
	require.NoError(t, agg.Consume(ctx, old))
	require.NoError(t, agg.Consume(ctx, result("codegen", "success", time.Second, nil)))

	m := agg.Metrics("codegen")
	// Lifetime counters keep both runs; the rate window keeps one.
	assert.Equal(t, 2, m.Completed)
	assert.InDelta(t, 1, m.ThroughputPerMin, 1e-9)
}
