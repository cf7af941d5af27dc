package telemetry

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
)

const (
	defaultSampleInterval  = 5 * time.Second
	defaultSampleRetention = 30 * time.Minute
)

// Sample is one host resource snapshot.
type Sample struct {
	Time            time.Time `json:"time"`
	CPUPercent      float64   `json:"cpuPercent"`
	MemoryPercent   float64   `json:"memoryPercent"`
	MemoryUsedBytes uint64    `json:"memoryUsedBytes"`
	DiskPercent     float64   `json:"diskPercent"`
	Load1           float64   `json:"load1"`
	Goroutines      int       `json:"goroutines"`
}

// Monitor samples host CPU, memory, disk and load on a fixed interval and
// keeps a retention-bounded history ordered by time.
type Monitor struct {
	interval  time.Duration
	retention time.Duration
	diskPath  string

	mu      sync.Mutex
	samples []Sample
	now     func() time.Time
}

// NewMonitor builds a monitor. Zero interval or retention use defaults;
// an empty diskPath watches the root filesystem.
func NewMonitor(interval, retention time.Duration, diskPath string) *Monitor {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	if retention <= 0 {
		retention = defaultSampleRetention
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &Monitor{
		interval:  interval,
		retention: retention,
		diskPath:  diskPath,
		now:       time.Now,
	}
}

// Run samples until ctx is canceled. An initial sample is taken
// immediately so Latest is populated right after startup.
func (m *Monitor) Run(ctx context.Context) {
	m.sample(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	s := Sample{Time: m.now(), Goroutines: runtime.NumGoroutine()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		logger.Debug(ctx, "CPU sample failed", tag.Error(err))
	} else if len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		logger.Debug(ctx, "Memory sample failed", tag.Error(err))
	} else {
		s.MemoryPercent = vm.UsedPercent
		s.MemoryUsedBytes = vm.Used
	}
	if du, err := disk.UsageWithContext(ctx, m.diskPath); err != nil {
		logger.Debug(ctx, "Disk sample failed", tag.Error(err))
	} else {
		s.DiskPercent = du.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.Load1 = avg.Load1
	}

	m.mu.Lock()
	m.samples = append(m.samples, s)
	m.pruneLocked()
	m.mu.Unlock()
}

func (m *Monitor) pruneLocked() {
	cutoff := m.now().Add(-m.retention)
	i := sort.Search(len(m.samples), func(i int) bool {
		return m.samples[i].Time.After(cutoff)
	})
	if i > 0 {
		m.samples = append([]Sample(nil), m.samples[i:]...)
	}
}

// Latest returns the most recent sample, if any exists yet.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) == 0 {
		return Sample{}, false
	}
	return m.samples[len(m.samples)-1], true
}

// Since returns samples taken after t, oldest first.
func (m *Monitor) Since(t time.Time) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.samples), func(i int) bool {
		return m.samples[i].Time.After(t)
	})
	return append([]Sample(nil), m.samples[i:]...)
}

// DeriveMaxConcurrency picks a parallelism cap from host capacity: one
// less than the logical CPU count, at most one worker per 2 GiB of
// available memory, and never more than 8 or less than 1.
func DeriveMaxConcurrency(ctx context.Context) int {
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cpus < 1 {
		cpus = runtime.NumCPU()
	}
	limit := cpus - 1

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		byMemory := int(vm.Available / (2 << 30))
		if byMemory < limit {
			limit = byMemory
		}
	}
	if limit > 8 {
		limit = 8
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}
