package processor

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceSample is a point-in-time gopsutil reading folded into the
// periodic health report alongside the per-component stats.
type ResourceSample struct {
	CPUPercent    float64
	MemoryPercent float64
	SampledAt     time.Time
}

func sampleResources() ResourceSample {
	sample := ResourceSample{SampledAt: time.Now().UTC()}

	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		sample.MemoryPercent = vmem.UsedPercent
	}
	return sample
}

// HealthStatus is the aggregate health view reported by Health():
// consumer connection state plus per-component counters and resources.
type HealthStatus struct {
	Healthy         bool
	ConsumerState   string
	EventsProcessed uint64
	StorageStats    map[string]any
	AlertStats      map[string]any
	Resources       ResourceSample
	Uptime          time.Duration
}
