// Package hostres samples host CPU and memory pressure.
//
// Background profiling bursts are deferred while the host itself is busy,
// so the monitor keeps a recent sample that callers consult before
// launching expensive work.
package hostres

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/xAsh-Ai/droidflow/internal/log"
)

const defaultInterval = 10 * time.Second

// Sample is one point-in-time host measurement.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
	TakenAt       time.Time
}

// Monitor periodically samples host resource usage.
type Monitor struct {
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	sample Sample

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a monitor sampling at the given interval.
func New(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{
		interval: interval,
		logger:   log.WithComponent("hostres"),
		stopCh:   make(chan struct{}),
	}
}

// Start takes an immediate sample and begins the sampling loop.
func (m *Monitor) Start() {
	m.take()
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the sampling loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.take()
		}
	}
}

// take samples CPU over a short window plus virtual memory. Either reading
// failing leaves that figure at zero so an unreadable host never blocks
// profiling outright.
func (m *Monitor) take() {
	s := Sample{TakenAt: time.Now()}

	if pct, err := cpu.Percent(100*time.Millisecond, false); err != nil {
		m.logger.Warn("cpu sample failed", "error", err)
	} else if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		m.logger.Warn("memory sample failed", "error", err)
	} else {
		s.MemoryPercent = vm.UsedPercent
	}

	m.mu.Lock()
	m.sample = s
	m.mu.Unlock()
}

// Current returns the most recent sample.
func (m *Monitor) Current() Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sample
}

// Overloaded reports whether the latest sample exceeds either ceiling.
func (m *Monitor) Overloaded(cpuMax, memMax float64) bool {
	return exceeds(m.Current(), cpuMax, memMax)
}

func exceeds(s Sample, cpuMax, memMax float64) bool {
	if cpuMax > 0 && s.CPUPercent > cpuMax {
		return true
	}
	if memMax > 0 && s.MemoryPercent > memMax {
		return true
	}
	return false
}
