package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xAsh-Ai/droidflow/internal/analyzer"
	"github.com/xAsh-Ai/droidflow/internal/profiler"
)

// Statistics are the engine's lifetime optimization counters.
type Statistics struct {
	TotalCommands     int64 `json:"total_commands"`
	CacheHits         int64 `json:"cache_hits"`
	OptimizedCommands int64 `json:"optimized_commands"`
	FusedCommands     int64 `json:"fused_commands"`
}

type optimizationData struct {
	Patterns       map[string]analyzer.Pattern  `json:"patterns"`
	DeviceProfiles map[string]*profiler.Profile `json:"device_profiles"`
	Statistics     Statistics                   `json:"statistics"`
	SavedAt        time.Time                    `json:"saved_at"`
}

// Statistics returns the engine's current counters.
func (e *Engine) Statistics() Statistics {
	return Statistics{
		TotalCommands:     e.submitted.Load(),
		CacheHits:         e.cacheHits.Load(),
		OptimizedCommands: e.optimized.Load(),
		FusedCommands:     e.fused.Load(),
	}
}

// SaveOptimizationData persists learned patterns, device profiles and
// counters to the configured state file. The write goes through a temp
// file so a crash mid-write never corrupts prior state.
func (e *Engine) SaveOptimizationData() error {
	path := e.cfg.Optimization.StatePath
	if path == "" {
		return nil
	}

	data := optimizationData{
		Patterns:       e.analyzer.Snapshot(),
		DeviceProfiles: e.profiler.Snapshot(),
		Statistics:     e.Statistics(),
		SavedAt:        time.Now(),
	}

	blob, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode optimization data: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write optimization data: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace optimization data: %w", err)
	}

	e.logger.Info("optimization data saved",
		"path", path,
		"patterns", len(data.Patterns),
		"profiles", len(data.DeviceProfiles))
	return nil
}

// LoadOptimizationData restores state written by a prior run. A missing
// file is an error the caller may treat as a cold start.
func (e *Engine) LoadOptimizationData() error {
	path := e.cfg.Optimization.StatePath
	if path == "" {
		return nil
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var data optimizationData
	if err := json.Unmarshal(blob, &data); err != nil {
		return fmt.Errorf("decode optimization data: %w", err)
	}

	e.analyzer.Restore(data.Patterns)
	e.profiler.Restore(data.DeviceProfiles)
	e.submitted.Store(data.Statistics.TotalCommands)
	e.cacheHits.Store(data.Statistics.CacheHits)
	e.optimized.Store(data.Statistics.OptimizedCommands)
	e.fused.Store(data.Statistics.FusedCommands)

	e.logger.Info("optimization data loaded",
		"path", path,
		"patterns", len(data.Patterns),
		"profiles", len(data.DeviceProfiles),
		"saved_at", data.SavedAt)
	return nil
}
