package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	sampleCPU        = "/cpu/classes/total:cpu-seconds"
	sampleHeap       = "/memory/classes/heap/objects:bytes"
	sampleGoroutines = "/sched/goroutines:goroutines"

	// handlers finishing in a burst share one reading
	minSampleInterval = 250 * time.Millisecond
)

// processSampler reads process-wide CPU, heap and goroutine figures for the
// handler statistics. All handlers of a service share one sampler.
type processSampler struct {
	mu       sync.Mutex
	samples  []metrics.Sample
	numCPU   float64
	interval time.Duration

	lastAt  time.Time
	lastCPU float64
	last    ResourceUsage
}

func newProcessSampler() *processSampler {
	return &processSampler{
		samples: []metrics.Sample{
			{Name: sampleCPU},
			{Name: sampleHeap},
			{Name: sampleGoroutines},
		},
		numCPU:   float64(runtime.GOMAXPROCS(0)),
		interval: minSampleInterval,
	}
}

// Snapshot returns the current usage. CPU is the share of the available
// processors used since the previous reading, so the first reading reports
// zero.
func (p *processSampler) Snapshot() ResourceUsage {
	if p == nil {
		return ResourceUsage{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if !p.lastAt.IsZero() && now.Sub(p.lastAt) < p.interval {
		return p.last
	}

	metrics.Read(p.samples)
	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}
	var cpu float64
	haveCPU := false
	for _, s := range p.samples {
		switch {
		case s.Name == sampleCPU && s.Value.Kind() == metrics.KindFloat64:
			cpu, haveCPU = s.Value.Float64(), true
		case s.Name == sampleHeap && s.Value.Kind() == metrics.KindUint64:
			usage.MemoryBytes = s.Value.Uint64()
		case s.Name == sampleGoroutines && s.Value.Kind() == metrics.KindUint64:
			usage.Goroutines = int(s.Value.Uint64())
		}
	}

	if haveCPU && !p.lastAt.IsZero() && p.numCPU > 0 {
		if wall := now.Sub(p.lastAt).Seconds(); wall > 0 {
			usage.CPUPercent = max(0, (cpu-p.lastCPU)/wall/p.numCPU*100)
		}
	}
	if haveCPU {
		p.lastCPU = cpu
	}
	p.lastAt = now
	p.last = usage
	return usage
}
