// Package profiler measures per-device execution characteristics.
//
// A profile run issues short probe bursts against a device to estimate
// command latency, sustained throughput, and the concurrency level the
// device handles best, and captures the device's CPU and memory inventory
// from procfs. Profiles feed dispatch tuning and are persisted across runs.
package profiler

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xAsh-Ai/droidflow/internal/bridge"
	"github.com/xAsh-Ai/droidflow/internal/log"
)

const (
	latencyProbes         = 5
	throughputProbes      = 10
	ladderProbesPerWorker = 5

	fallbackConcurrency = 2
	fallbackLatency     = 100 * time.Millisecond
	fallbackThroughput  = 1.0

	probeTimeout = 5 * time.Second
)

// concurrencyLadder is the set of worker counts trialled per device.
var concurrencyLadder = []int{1, 2, 4, 8}

// Runner executes a command immediately, outside queued dispatch.
type Runner interface {
	Execute(ctx context.Context, cmd *bridge.Command) *bridge.Result
}

// DeviceLister enumerates the devices eligible for profiling.
type DeviceLister interface {
	Connected() []bridge.Device
}

// Profile is the measured execution characteristics of one device.
type Profile struct {
	Serial             string            `json:"serial"`
	CPUInfo            map[string]string `json:"cpu_info"`
	MemoryInfo         map[string]int64  `json:"memory_info"`
	NetworkLatency     float64           `json:"network_latency"`
	CommandThroughput  float64           `json:"command_throughput"`
	OptimalConcurrency int               `json:"optimal_concurrency"`
	LastProfiled       time.Time         `json:"last_profiled"`
}

// Profiler measures and caches device profiles.
type Profiler struct {
	runner  Runner
	devices DeviceLister
	logger  *slog.Logger

	mu       sync.RWMutex
	profiles map[string]*Profile
}

// New creates a profiler backed by the given runner and device source.
func New(runner Runner, devices DeviceLister) *Profiler {
	return &Profiler{
		runner:   runner,
		devices:  devices,
		logger:   log.WithComponent("profiler"),
		profiles: make(map[string]*Profile),
	}
}

// Profile measures one device and stores the resulting profile. Probe
// failures degrade to conservative fallbacks rather than failing the run.
func (p *Profiler) Profile(ctx context.Context, serial string) *Profile {
	logger := p.logger.With("serial", serial)
	logger.Info("profiling device")

	prof := &Profile{
		Serial:       serial,
		CPUInfo:      p.cpuInfo(ctx, serial),
		MemoryInfo:   p.memoryInfo(ctx, serial),
		LastProfiled: time.Now(),
	}

	prof.NetworkLatency = p.measureLatency(ctx, serial)
	prof.CommandThroughput = p.measureThroughput(ctx, serial)
	prof.OptimalConcurrency = p.measureConcurrency(ctx, serial)

	p.mu.Lock()
	p.profiles[serial] = prof
	p.mu.Unlock()

	logger.Info("device profiled",
		"latency_ms", prof.NetworkLatency*1000,
		"throughput", prof.CommandThroughput,
		"concurrency", prof.OptimalConcurrency)
	return prof
}

// ProfileAll profiles every connected device sequentially.
func (p *Profiler) ProfileAll(ctx context.Context) []*Profile {
	var out []*Profile
	for _, d := range p.devices.Connected() {
		if ctx.Err() != nil {
			break
		}
		out = append(out, p.Profile(ctx, d.Serial))
	}
	return out
}

// Get returns the stored profile for a serial.
func (p *Profiler) Get(serial string) (*Profile, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prof, ok := p.profiles[serial]
	if !ok {
		return nil, bridge.ErrDeviceNotFound
	}
	return prof, nil
}

// Snapshot returns a copy of all stored profiles keyed by serial.
func (p *Profiler) Snapshot() map[string]*Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]*Profile, len(p.profiles))
	for k, v := range p.profiles {
		cp := *v
		out[k] = &cp
	}
	return out
}

// Restore replaces the stored profiles, used when loading persisted data.
func (p *Profiler) Restore(profiles map[string]*Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles = make(map[string]*Profile, len(profiles))
	for k, v := range profiles {
		cp := *v
		p.profiles[k] = &cp
	}
}

func (p *Profiler) probe(ctx context.Context, serial string, args ...string) *bridge.Result {
	return p.runner.Execute(ctx, &bridge.Command{
		Args:    args,
		Serial:  serial,
		Kind:    bridge.KindShell,
		Timeout: probeTimeout,
	})
}

// cpuInfo parses /proc/cpuinfo into key/value pairs. Repeated keys keep the
// first occurrence, which is enough for model and feature identification.
func (p *Profiler) cpuInfo(ctx context.Context, serial string) map[string]string {
	info := make(map[string]string)
	res := p.probe(ctx, serial, "shell", "cat", "/proc/cpuinfo")
	if !res.Success {
		return info
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		if _, seen := info[key]; !seen {
			info[key] = value
		}
	}
	return info
}

// memoryInfo parses /proc/meminfo, converting kB figures to bytes.
func (p *Profiler) memoryInfo(ctx context.Context, serial string) map[string]int64 {
	info := make(map[string]int64)
	res := p.probe(ctx, serial, "shell", "cat", "/proc/meminfo")
	if !res.Success {
		return info
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		fields := strings.Fields(value)
		if key == "" || len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		if len(fields) > 1 && strings.EqualFold(fields[1], "kb") {
			n *= 1024
		}
		info[key] = n
	}
	return info
}

// measureLatency averages round-trip time over a handful of echo probes.
// The figure is seconds, matching the persisted profile format.
func (p *Profiler) measureLatency(ctx context.Context, serial string) float64 {
	var total time.Duration
	ok := 0
	for i := 0; i < latencyProbes; i++ {
		start := time.Now()
		res := p.probe(ctx, serial, "shell", "echo", "ping")
		if res.Success {
			total += time.Since(start)
			ok++
		}
	}
	if ok == 0 {
		return fallbackLatency.Seconds()
	}
	return (total / time.Duration(ok)).Seconds()
}

// measureThroughput fires the whole burst concurrently and reports
// commands/sec, so devices that pipeline requests score above their
// single-command rate.
func (p *Profiler) measureThroughput(ctx context.Context, serial string) float64 {
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0

	start := time.Now()
	for i := 0; i < throughputProbes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.probe(ctx, serial, "shell", "echo", "ping").Success {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start).Seconds()
	if ok == 0 || elapsed <= 0 {
		return fallbackThroughput
	}
	return float64(ok) / elapsed
}

// measureConcurrency trials each ladder step with a parallel probe burst
// and picks the step with the best throughput.
func (p *Profiler) measureConcurrency(ctx context.Context, serial string) int {
	throughputs := make([]float64, len(concurrencyLadder))
	for i, workers := range concurrencyLadder {
		throughputs[i] = p.ladderStep(ctx, serial, workers)
	}
	return bestConcurrency(concurrencyLadder, throughputs)
}

// ladderStep measures throughput with a bounded number of workers. The
// probe count scales with the worker count so each step keeps every
// worker busy for several rounds.
func (p *Profiler) ladderStep(ctx context.Context, serial string, workers int) float64 {
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0

	start := time.Now()
	for i := 0; i < workers*ladderProbesPerWorker; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if p.probe(ctx, serial, "shell", "echo", "ping").Success {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start).Seconds()
	if ok == 0 || elapsed <= 0 {
		return 0
	}
	return float64(ok) / elapsed
}

// bestConcurrency picks the ladder step with the highest throughput,
// preferring the lower step on ties. All-zero measurements fall back to a
// conservative default.
func bestConcurrency(ladder []int, throughputs []float64) int {
	best := -1
	bestT := 0.0
	for i, t := range throughputs {
		if t > bestT {
			bestT = t
			best = i
		}
	}
	if best < 0 {
		return fallbackConcurrency
	}
	return ladder[best]
}
