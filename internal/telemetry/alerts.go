package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
	"github.com/miyabi-org/miyabi/internal/telemetry/notify"
)

// Thresholds configures the alert rules. Zero fields disable a rule.
type Thresholds struct {
	CPUPercent          float64
	MemoryPercent       float64
	FailureRate         float64
	MinThroughputPerMin float64
}

// DefaultThresholds match the coordinator's stock alerting policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPercent:          90,
		MemoryPercent:       85,
		FailureRate:         0.20,
		MinThroughputPerMin: 5,
	}
}

// Alert is one fired rule.
type Alert struct {
	Rule      string    `json:"rule"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Time      time.Time `json:"time"`
}

const (
	defaultAlertCooldown = 5 * time.Minute
	defaultAlertInterval = 30 * time.Second

	// minRunsForRateRules keeps the failure-rate and throughput rules
	// quiet until enough runs exist for the rates to mean anything.
	minRunsForRateRules = 5
)

// AlertEngine evaluates thresholds against the resource monitor and the
// aggregator, fanning fired alerts out to notifiers. Each rule observes a
// cooldown so a sustained breach does not flood the channels.
type AlertEngine struct {
	thresholds Thresholds
	cooldown   time.Duration
	monitor    *Monitor
	aggregator *Aggregator
	notifiers  []notify.Notifier
	events     Emitter

	mu        sync.Mutex
	lastFired map[string]time.Time
	now       func() time.Time
}

// NewAlertEngine builds an engine. monitor and aggregator may each be nil,
// which disables their rules. events may be nil.
func NewAlertEngine(thresholds Thresholds, cooldown time.Duration, monitor *Monitor, aggregator *Aggregator, events Emitter, notifiers ...notify.Notifier) *AlertEngine {
	if cooldown <= 0 {
		cooldown = defaultAlertCooldown
	}
	if events == nil {
		events = Nop
	}
	return &AlertEngine{
		thresholds: thresholds,
		cooldown:   cooldown,
		monitor:    monitor,
		aggregator: aggregator,
		notifiers:  notifiers,
		events:     events,
		lastFired:  make(map[string]time.Time),
		now:        time.Now,
	}
}

// Run evaluates rules on a fixed interval until ctx is canceled.
func (e *AlertEngine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultAlertInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Evaluate(ctx)
		}
	}
}

// Evaluate runs every rule once and fires any breaches outside cooldown.
// It returns the alerts fired on this pass.
func (e *AlertEngine) Evaluate(ctx context.Context) []Alert {
	var fired []Alert
	for _, a := range e.check() {
		if !e.shouldFire(a.Rule) {
			continue
		}
		fired = append(fired, a)
		e.fire(ctx, a)
	}
	return fired
}

func (e *AlertEngine) check() []Alert {
	now := e.now()
	var alerts []Alert

	if e.monitor != nil {
		if s, ok := e.monitor.Latest(); ok {
			if e.thresholds.CPUPercent > 0 && s.CPUPercent > e.thresholds.CPUPercent {
				alerts = append(alerts, Alert{
					Rule:      "cpu",
					Message:   fmt.Sprintf("CPU usage at %.1f%% exceeds %.0f%%", s.CPUPercent, e.thresholds.CPUPercent),
					Value:     s.CPUPercent,
					Threshold: e.thresholds.CPUPercent,
					Time:      now,
				})
			}
			if e.thresholds.MemoryPercent > 0 && s.MemoryPercent > e.thresholds.MemoryPercent {
				alerts = append(alerts, Alert{
					Rule:      "memory",
					Message:   fmt.Sprintf("Memory usage at %.1f%% exceeds %.0f%%", s.MemoryPercent, e.thresholds.MemoryPercent),
					Value:     s.MemoryPercent,
					Threshold: e.thresholds.MemoryPercent,
					Time:      now,
				})
			}
		}
	}

	if e.aggregator != nil {
		sum := e.aggregator.Report()
		runs := sum.TotalCompleted + sum.TotalFailed
		if runs >= minRunsForRateRules {
			if e.thresholds.FailureRate > 0 && sum.ErrorRate > e.thresholds.FailureRate {
				alerts = append(alerts, Alert{
					Rule:      "failure-rate",
					Message:   fmt.Sprintf("Agent failure rate at %.0f%% exceeds %.0f%%", sum.ErrorRate*100, e.thresholds.FailureRate*100),
					Value:     sum.ErrorRate,
					Threshold: e.thresholds.FailureRate,
					Time:      now,
				})
			}
			if e.thresholds.MinThroughputPerMin > 0 && sum.ThroughputPerMin < e.thresholds.MinThroughputPerMin {
				alerts = append(alerts, Alert{
					Rule:      "throughput",
					Message:   fmt.Sprintf("Throughput at %.1f/min below %.0f/min", sum.ThroughputPerMin, e.thresholds.MinThroughputPerMin),
					Value:     sum.ThroughputPerMin,
					Threshold: e.thresholds.MinThroughputPerMin,
					Time:      now,
				})
			}
		}
	}
	return alerts
}

func (e *AlertEngine) shouldFire(rule string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastFired[rule]; ok && e.now().Sub(last) < e.cooldown {
		return false
	}
	e.lastFired[rule] = e.now()
	return true
}

func (e *AlertEngine) fire(ctx context.Context, a Alert) {
	logger.Warn(ctx, "Alert fired",
		tag.Name(a.Rule),
		tag.Reason(a.Message))
	e.events.Emit(NewEvent("alerts", KindAlert, map[string]any{
		"rule":      a.Rule,
		"message":   a.Message,
		"value":     a.Value,
		"threshold": a.Threshold,
	}))
	if len(e.notifiers) > 0 {
		notify.Fanout(ctx, notify.Message{
			Title:    "miyabi alert: " + a.Rule,
			Body:     a.Message,
			Severity: "warning",
		}, e.notifiers...)
	}
}
