package engine

import (
	"context"
	"time"

	"github.com/xAsh-Ai/droidflow/internal/analyzer"
	"github.com/xAsh-Ai/droidflow/internal/bridge"
	"github.com/xAsh-Ai/droidflow/internal/health"
	"github.com/xAsh-Ai/droidflow/internal/profiler"
)

// PerformanceReport is a point-in-time summary of the engine's behavior.
type PerformanceReport struct {
	Statistics       Statistics                   `json:"statistics"`
	CacheHitRate     float64                      `json:"cache_hit_rate"`
	OptimizationRate float64                      `json:"optimization_rate"`
	CacheEntries     int                          `json:"cache_entries"`
	CacheCapacity    int                          `json:"cache_capacity"`
	Backlog          int                          `json:"backlog"`
	AverageExecution time.Duration                `json:"average_execution_ns"`
	ConnectedDevices int                          `json:"connected_devices"`
	Devices          []bridge.Device              `json:"devices"`
	DeviceProfiles   map[string]*profiler.Profile `json:"device_profiles"`
	Suggestions      []analyzer.Suggestion        `json:"suggestions"`
	GeneratedAt      time.Time                    `json:"generated_at"`
}

// PerformanceReport summarizes cache efficiency, optimization activity and
// per-device state.
func (e *Engine) PerformanceReport() PerformanceReport {
	stats := e.Statistics()

	var hitRate, optRate float64
	if stats.TotalCommands > 0 {
		hitRate = float64(stats.CacheHits) / float64(stats.TotalCommands)
		optRate = float64(stats.OptimizedCommands) / float64(stats.TotalCommands)
	}

	poolStats := e.pool.Stats()
	return PerformanceReport{
		Statistics:       stats,
		CacheHitRate:     hitRate,
		OptimizationRate: optRate,
		CacheEntries:     e.cache.Len(),
		CacheCapacity:    e.cache.Cap(),
		Backlog:          e.pool.Backlog(),
		AverageExecution: poolStats.AverageExecution,
		ConnectedDevices: len(e.registry.Connected()),
		Devices:          e.registry.All(),
		DeviceProfiles:   e.profiler.Snapshot(),
		Suggestions:      e.analyzer.Suggestions(),
		GeneratedAt:      time.Now(),
	}
}

// HealthCheck probes the transport and grades the service's condition from
// recent command history and queue pressure.
func (e *Engine) HealthCheck(ctx context.Context) health.Report {
	probeErr := e.transport.Probe(ctx)

	rate, executed, err := e.history.SuccessRate(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		e.logger.Warn("history success rate unavailable", "error", err)
		rate, executed = 1.0, 0
	}

	return health.Evaluate(health.Sample{
		ProbeErr:         probeErr,
		ConnectedDevices: len(e.registry.Connected()),
		SuccessRate:      rate,
		ExecutedCommands: int64(executed),
		Backlog:          e.pool.Backlog(),
	})
}
