package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// SchedulerSnapshot is the scheduler state the collector exports. The
// scheduler package populates it through a provider func so the two
// packages stay decoupled.
type SchedulerSnapshot struct {
	Status    string
	Waiting   int
	Running   int
	Completed int
	Failed    int
	Skipped   int
}

// SessionSnapshot is the session-manager state the collector exports.
type SessionSnapshot struct {
	Active    int
	Completed int
	Failed    int
	TimedOut  int
}

// CollectorConfig wires data sources into the collector. Nil providers
// simply export nothing for their metric family.
type CollectorConfig struct {
	Version       string
	StartTime     time.Time
	Scheduler     func() SchedulerSnapshot
	Sessions      func() SessionSnapshot
	Aggregator    *Aggregator
	Stream        *Stream
	Monitor       *Monitor
	RateRemaining func() (int, bool)
}

// Collector exports coordinator state as Prometheus metrics. All values
// are computed at scrape time from live snapshots; nothing is cached.
type Collector struct {
	cfg CollectorConfig

	info          *prometheus.Desc
	uptime        *prometheus.Desc
	groups        *prometheus.Desc
	schedulerUp   *prometheus.Desc
	sessions      *prometheus.Desc
	agentRuns     *prometheus.Desc
	agentDuration *prometheus.Desc
	agentCost     *prometheus.Desc
	events        *prometheus.Desc
	eventsDropped *prometheus.Desc
	cpuPercent    *prometheus.Desc
	memPercent    *prometheus.Desc
	rateRemaining *prometheus.Desc
}

// NewCollector builds a collector over the given sources.
func NewCollector(cfg CollectorConfig) *Collector {
	return &Collector{
		cfg: cfg,
		info: prometheus.NewDesc("miyabi_info",
			"Build information.", []string{"version"}, nil),
		uptime: prometheus.NewDesc("miyabi_uptime_seconds",
			"Seconds since the coordinator started.", nil, nil),
		groups: prometheus.NewDesc("miyabi_scheduler_groups",
			"Task groups by status.", []string{"status"}, nil),
		schedulerUp: prometheus.NewDesc("miyabi_scheduler_state",
			"Scheduler lifecycle state, one series set to 1.", []string{"state"}, nil),
		sessions: prometheus.NewDesc("miyabi_sessions",
			"Sessions by status.", []string{"status"}, nil),
		agentRuns: prometheus.NewDesc("miyabi_agent_runs_total",
			"Agent executions by kind and outcome.", []string{"agent", "outcome"}, nil),
		agentDuration: prometheus.NewDesc("miyabi_agent_duration_seconds",
			"Agent execution duration quantiles.", []string{"agent", "quantile"}, nil),
		agentCost: prometheus.NewDesc("miyabi_agent_cost_total",
			"Estimated spend per agent in currency units.", []string{"agent"}, nil),
		events: prometheus.NewDesc("miyabi_events_total",
			"Events emitted to the stream.", nil, nil),
		eventsDropped: prometheus.NewDesc("miyabi_events_dropped_total",
			"Events dropped because the stream buffer was full.", nil, nil),
		cpuPercent: prometheus.NewDesc("miyabi_cpu_percent",
			"Host CPU usage from the latest sample.", nil, nil),
		memPercent: prometheus.NewDesc("miyabi_memory_percent",
			"Host memory usage from the latest sample.", nil, nil),
		rateRemaining: prometheus.NewDesc("miyabi_platform_rate_remaining",
			"Remaining platform API budget.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.info
	ch <- c.uptime
	ch <- c.groups
	ch <- c.schedulerUp
	ch <- c.sessions
	ch <- c.agentRuns
	ch <- c.agentDuration
	ch <- c.agentCost
	ch <- c.events
	ch <- c.eventsDropped
	ch <- c.cpuPercent
	ch <- c.memPercent
	ch <- c.rateRemaining
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1, c.cfg.Version)
	if !c.cfg.StartTime.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue,
			time.Since(c.cfg.StartTime).Seconds())
	}

	if c.cfg.Scheduler != nil {
		s := c.cfg.Scheduler()
		ch <- prometheus.MustNewConstMetric(c.groups, prometheus.GaugeValue, float64(s.Waiting), "waiting")
		ch <- prometheus.MustNewConstMetric(c.groups, prometheus.GaugeValue, float64(s.Running), "running")
		ch <- prometheus.MustNewConstMetric(c.groups, prometheus.GaugeValue, float64(s.Completed), "completed")
		ch <- prometheus.MustNewConstMetric(c.groups, prometheus.GaugeValue, float64(s.Failed), "failed")
		ch <- prometheus.MustNewConstMetric(c.groups, prometheus.GaugeValue, float64(s.Skipped), "skipped")
		if s.Status != "" {
			ch <- prometheus.MustNewConstMetric(c.schedulerUp, prometheus.GaugeValue, 1, s.Status)
		}
	}

	if c.cfg.Sessions != nil {
		s := c.cfg.Sessions()
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(s.Active), "active")
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(s.Completed), "completed")
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(s.Failed), "failed")
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(s.TimedOut), "timed_out")
	}

	if c.cfg.Aggregator != nil {
		for _, m := range c.cfg.Aggregator.Report().Agents {
			ch <- prometheus.MustNewConstMetric(c.agentRuns, prometheus.CounterValue,
				float64(m.Completed), m.Agent, "success")
			ch <- prometheus.MustNewConstMetric(c.agentRuns, prometheus.CounterValue,
				float64(m.Failed), m.Agent, "failure")
			for q, d := range map[float64]time.Duration{
				0.5:  m.MedianDuration,
				0.95: m.P95Duration,
				0.99: m.P99Duration,
			} {
				ch <- prometheus.MustNewConstMetric(c.agentDuration, prometheus.GaugeValue,
					d.Seconds(), m.Agent, strconv.FormatFloat(q, 'g', -1, 64))
			}
			ch <- prometheus.MustNewConstMetric(c.agentCost, prometheus.CounterValue,
				m.EstimatedCost, m.Agent)
		}
	}

	if c.cfg.Stream != nil {
		ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(c.cfg.Stream.Total()))
		ch <- prometheus.MustNewConstMetric(c.eventsDropped, prometheus.CounterValue, float64(c.cfg.Stream.Dropped()))
	}

	if c.cfg.Monitor != nil {
		if s, ok := c.cfg.Monitor.Latest(); ok {
			ch <- prometheus.MustNewConstMetric(c.cpuPercent, prometheus.GaugeValue, s.CPUPercent)
			ch <- prometheus.MustNewConstMetric(c.memPercent, prometheus.GaugeValue, s.MemoryPercent)
		}
	}

	if c.cfg.RateRemaining != nil {
		if remaining, ok := c.cfg.RateRemaining(); ok {
			ch <- prometheus.MustNewConstMetric(c.rateRemaining, prometheus.GaugeValue, float64(remaining))
		}
	}
}

// NewRegistry returns a registry holding the collector plus the stock Go
// runtime and process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c,
	)
	return reg
}
