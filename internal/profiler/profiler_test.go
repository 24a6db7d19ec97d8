package profiler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xAsh-Ai/droidflow/internal/bridge"
)

const sampleCPUInfo = `processor	: 0
model name	: ARMv8 Processor rev 1 (v8l)
BogoMIPS	: 38.40
processor	: 1
model name	: ARMv8 Processor rev 1 (v8l)
Hardware	: Qualcomm Technologies, Inc SM8250
`

const sampleMemInfo = `MemTotal:        7823012 kB
MemFree:          512340 kB
MemAvailable:    3145728 kB
garbage line without colon value
`

// scriptedRunner answers probes by argv prefix.
type scriptedRunner struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (s *scriptedRunner) Execute(_ context.Context, cmd *bridge.Command) *bridge.Result {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.fail {
		return &bridge.Result{Command: cmd, ExitCode: 1}
	}

	argv := strings.Join(cmd.Args, " ")
	out := ""
	switch {
	case strings.Contains(argv, "/proc/cpuinfo"):
		out = sampleCPUInfo
	case strings.Contains(argv, "/proc/meminfo"):
		out = sampleMemInfo
	case strings.Contains(argv, "echo ping"):
		out = "ping\n"
	}
	return &bridge.Result{Command: cmd, Success: true, Stdout: out, Duration: time.Millisecond}
}

type staticLister struct{ devices []bridge.Device }

func (s staticLister) Connected() []bridge.Device { return s.devices }

func TestProfileParsesProcFiles(t *testing.T) {
	t.Parallel()

	p := New(&scriptedRunner{}, staticLister{})
	prof := p.Profile(context.Background(), "emulator-5554")

	// First occurrence wins for repeated cpuinfo keys.
	assert.Equal(t, "0", prof.CPUInfo["processor"])
	assert.Equal(t, "ARMv8 Processor rev 1 (v8l)", prof.CPUInfo["model name"])
	assert.Equal(t, "Qualcomm Technologies, Inc SM8250", prof.CPUInfo["Hardware"])

	// kB figures converted to bytes; malformed lines skipped.
	assert.Equal(t, int64(7823012*1024), prof.MemoryInfo["MemTotal"])
	assert.Equal(t, int64(512340*1024), prof.MemoryInfo["MemFree"])
	assert.NotContains(t, prof.MemoryInfo, "garbage line without colon value")

	assert.Greater(t, prof.NetworkLatency, 0.0)
	assert.Greater(t, prof.CommandThroughput, 0.0)
	assert.Contains(t, []int{1, 2, 4, 8}, prof.OptimalConcurrency)
	assert.False(t, prof.LastProfiled.IsZero())
}

func TestProfileFallbacksOnProbeFailure(t *testing.T) {
	t.Parallel()

	p := New(&scriptedRunner{fail: true}, staticLister{})
	prof := p.Profile(context.Background(), "dead-device")

	assert.Empty(t, prof.CPUInfo)
	assert.Empty(t, prof.MemoryInfo)
	assert.Equal(t, 0.1, prof.NetworkLatency)
	assert.Equal(t, 1.0, prof.CommandThroughput)
	assert.Equal(t, 2, prof.OptimalConcurrency)
}

// overlapRunner tracks the peak number of in-flight probes.
type overlapRunner struct {
	mu      sync.Mutex
	inUse   int
	peak    int
	calls   int
	latency time.Duration
}

func (o *overlapRunner) Execute(_ context.Context, cmd *bridge.Command) *bridge.Result {
	o.mu.Lock()
	o.calls++
	o.inUse++
	if o.inUse > o.peak {
		o.peak = o.inUse
	}
	o.mu.Unlock()

	time.Sleep(o.latency)

	o.mu.Lock()
	o.inUse--
	o.mu.Unlock()
	return &bridge.Result{Command: cmd, Success: true, Stdout: "ping\n", Duration: o.latency}
}

func TestThroughputBurstRunsConcurrently(t *testing.T) {
	t.Parallel()

	r := &overlapRunner{latency: 20 * time.Millisecond}
	p := New(r, staticLister{})

	got := p.measureThroughput(context.Background(), "emulator-5554")
	assert.Greater(t, got, 0.0)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, throughputProbes, r.calls)
	// The burst overlaps; a sequential run would never exceed one in flight.
	assert.Greater(t, r.peak, 1)
}

func TestLadderStepScalesProbesWithWorkers(t *testing.T) {
	t.Parallel()

	for _, workers := range []int{1, 4} {
		r := &overlapRunner{latency: 5 * time.Millisecond}
		p := New(r, staticLister{})

		p.ladderStep(context.Background(), "emulator-5554", workers)

		r.mu.Lock()
		assert.Equal(t, workers*ladderProbesPerWorker, r.calls)
		// In-flight probes stay within the step's worker bound.
		assert.LessOrEqual(t, r.peak, workers)
		r.mu.Unlock()
	}
}

func TestBestConcurrency(t *testing.T) {
	t.Parallel()

	ladder := []int{1, 2, 4, 8}

	assert.Equal(t, 2, bestConcurrency(ladder, []float64{10, 15, 12, 8}))
	assert.Equal(t, 8, bestConcurrency(ladder, []float64{1, 2, 3, 4}))
	// Lower step wins a tie.
	assert.Equal(t, 1, bestConcurrency(ladder, []float64{5, 5, 5, 5}))
	// No usable measurement falls back.
	assert.Equal(t, 2, bestConcurrency(ladder, []float64{0, 0, 0, 0}))
}

func TestGetUnknownSerial(t *testing.T) {
	t.Parallel()

	p := New(&scriptedRunner{}, staticLister{})
	_, err := p.Get("never-profiled")
	assert.ErrorIs(t, err, bridge.ErrDeviceNotFound)
}

func TestProfileAllCoversConnectedDevices(t *testing.T) {
	t.Parallel()

	lister := staticLister{devices: []bridge.Device{
		{Serial: "a1", State: bridge.StateConnected},
		{Serial: "b2", State: bridge.StateConnected},
	}}
	p := New(&scriptedRunner{}, lister)

	profiles := p.ProfileAll(context.Background())
	require.Len(t, profiles, 2)
	assert.Equal(t, "a1", profiles[0].Serial)
	assert.Equal(t, "b2", profiles[1].Serial)

	got, err := p.Get("b2")
	require.NoError(t, err)
	assert.Equal(t, "b2", got.Serial)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	p := New(&scriptedRunner{}, staticLister{})
	p.Profile(context.Background(), "a1")

	snap := p.Snapshot()
	require.Contains(t, snap, "a1")

	// Mutating the snapshot must not touch the stored profile.
	snap["a1"].OptimalConcurrency = 99
	orig, err := p.Get("a1")
	require.NoError(t, err)
	assert.NotEqual(t, 99, orig.OptimalConcurrency)

	fresh := New(&scriptedRunner{}, staticLister{})
	fresh.Restore(snap)
	restored, err := fresh.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, 99, restored.OptimalConcurrency)
}
