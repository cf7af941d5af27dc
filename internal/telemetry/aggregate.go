package telemetry

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

const (
	// maxSamplesPerAgent bounds the latency reservoir per agent.
	maxSamplesPerAgent = 512
	// defaultAggregateWindow is the sliding window for rate figures.
	defaultAggregateWindow = 10 * time.Minute
)

// AgentMetrics is a point-in-time report for one agent kind.
type AgentMetrics struct {
	Agent            string        `json:"agent"`
	Completed        int           `json:"completed"`
	Failed           int           `json:"failed"`
	ErrorRate        float64       `json:"errorRate"`
	ThroughputPerMin float64       `json:"throughputPerMin"`
	MeanDuration     time.Duration `json:"meanDuration"`
	MedianDuration   time.Duration `json:"medianDuration"`
	P95Duration      time.Duration `json:"p95Duration"`
	P99Duration      time.Duration `json:"p99Duration"`
	TokensIn         int64         `json:"tokensIn"`
	TokensOut        int64         `json:"tokensOut"`
	EstimatedCost    float64       `json:"estimatedCost"`
}

// Summary aggregates every agent plus stream-level counters.
type Summary struct {
	Agents           []AgentMetrics `json:"agents"`
	TotalCompleted   int            `json:"totalCompleted"`
	TotalFailed      int            `json:"totalFailed"`
	ErrorRate        float64        `json:"errorRate"`
	ThroughputPerMin float64        `json:"throughputPerMin"`
	EstimatedCost    float64        `json:"estimatedCost"`
}

// Tariff prices token usage in currency units per thousand tokens.
type Tariff struct {
	InPerKilo  float64
	OutPerKilo float64
}

type agentStats struct {
	completed int
	failed    int
	tokensIn  int64
	tokensOut int64
	durations []time.Duration // bounded reservoir, newest last
	finishes  []time.Time     // pruned to the window
}

// Aggregator folds agent.result events into rolling per-agent statistics.
// It implements Sink so it can ride the stream directly.
type Aggregator struct {
	mu     sync.Mutex
	window time.Duration
	tariff Tariff
	agents map[string]*agentStats
	now    func() time.Time
}

// NewAggregator builds an aggregator with the given sliding window for
// throughput and error-rate figures. A window of zero uses the default.
func NewAggregator(window time.Duration, tariff Tariff) *Aggregator {
	if window <= 0 {
		window = defaultAggregateWindow
	}
	return &Aggregator{
		window: window,
		tariff: tariff,
		agents: make(map[string]*agentStats),
		now:    time.Now,
	}
}

// Name implements Sink.
func (a *Aggregator) Name() string { return "aggregator" }

// Consume implements Sink. Only agent.result events carry the fields the
// aggregator reads; everything else passes through untouched.
func (a *Aggregator) Consume(_ context.Context, ev Event) error {
	if ev.Kind != KindAgentResult {
		return nil
	}
	agent, _ := ev.Payload["agent"].(string)
	if agent == "" {
		return nil
	}
	outcome, _ := ev.Payload["outcome"].(string)
	duration := durationField(ev.Payload, "durationMs")

	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.agents[agent]
	if st == nil {
		st = &agentStats{}
		a.agents[agent] = st
	}
	switch outcome {
	case "failure":
		st.failed++
	default:
		st.completed++
		st.finishes = append(st.finishes, ev.Timestamp)
	}
	if duration > 0 {
		st.durations = append(st.durations, duration)
		if len(st.durations) > maxSamplesPerAgent {
			st.durations = st.durations[len(st.durations)-maxSamplesPerAgent:]
		}
	}
	st.tokensIn += intField(ev.Payload, "tokensIn")
	st.tokensOut += intField(ev.Payload, "tokensOut")
	st.prune(a.now().Add(-a.window))
	return nil
}

func (st *agentStats) prune(cutoff time.Time) {
	i := sort.Search(len(st.finishes), func(i int) bool {
		return st.finishes[i].After(cutoff)
	})
	if i > 0 {
		st.finishes = append([]time.Time(nil), st.finishes[i:]...)
	}
}

// Metrics reports the current figures for one agent. The zero value is
// returned for agents with no recorded runs.
func (a *Aggregator) Metrics(agent string) AgentMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.agents[agent]
	if st == nil {
		return AgentMetrics{Agent: agent}
	}
	return a.metricsLocked(agent, st)
}

func (a *Aggregator) metricsLocked(agent string, st *agentStats) AgentMetrics {
	st.prune(a.now().Add(-a.window))
	m := AgentMetrics{
		Agent:     agent,
		Completed: st.completed,
		Failed:    st.failed,
		TokensIn:  st.tokensIn,
		TokensOut: st.tokensOut,
	}
	if total := st.completed + st.failed; total > 0 {
		m.ErrorRate = float64(st.failed) / float64(total)
	}
	m.ThroughputPerMin = float64(len(st.finishes)) / a.window.Minutes()
	if len(st.durations) > 0 {
		sorted := append([]time.Duration(nil), st.durations...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		var sum time.Duration
		for _, d := range sorted {
			sum += d
		}
		m.MeanDuration = sum / time.Duration(len(sorted))
		m.MedianDuration = percentile(sorted, 0.50)
		m.P95Duration = percentile(sorted, 0.95)
		m.P99Duration = percentile(sorted, 0.99)
	}
	m.EstimatedCost = float64(st.tokensIn)/1000*a.tariff.InPerKilo +
		float64(st.tokensOut)/1000*a.tariff.OutPerKilo
	return m
}

// Report returns per-agent metrics sorted by agent name plus totals.
func (a *Aggregator) Report() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := lo.Keys(a.agents)
	sort.Strings(names)

	out := Summary{}
	for _, name := range names {
		m := a.metricsLocked(name, a.agents[name])
		out.Agents = append(out.Agents, m)
		out.TotalCompleted += m.Completed
		out.TotalFailed += m.Failed
		out.ThroughputPerMin += m.ThroughputPerMin
		out.EstimatedCost += m.EstimatedCost
	}
	if total := out.TotalCompleted + out.TotalFailed; total > 0 {
		out.ErrorRate = float64(out.TotalFailed) / float64(total)
	}
	return out
}

// percentile picks from a sorted slice using the nearest-rank method.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func durationField(p map[string]any, key string) time.Duration {
	switch v := p[key].(type) {
	case time.Duration:
		return v
	case int64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	default:
		return 0
	}
}

func intField(p map[string]any, key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
