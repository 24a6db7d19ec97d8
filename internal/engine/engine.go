// Package engine coordinates dispatch, caching and optimization.
//
// The engine owns the whole execution path: the device registry scanning
// loop, the bounded priority queue and its worker pool, the result cache,
// the pattern analyzer, the device profiler and host resource monitoring.
// Commands flow through Execute or Submit; the engine transparently
// rewrites them against device profiles, answers repeats from cache, and
// fuses batched property reads into single transport round trips.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xAsh-Ai/droidflow/internal/analyzer"
	"github.com/xAsh-Ai/droidflow/internal/bridge"
	"github.com/xAsh-Ai/droidflow/internal/cache"
	"github.com/xAsh-Ai/droidflow/internal/config"
	"github.com/xAsh-Ai/droidflow/internal/dispatch"
	"github.com/xAsh-Ai/droidflow/internal/history"
	"github.com/xAsh-Ai/droidflow/internal/hostres"
	"github.com/xAsh-Ai/droidflow/internal/log"
	"github.com/xAsh-Ai/droidflow/internal/profiler"
	"github.com/xAsh-Ai/droidflow/internal/queue"
	"github.com/xAsh-Ai/droidflow/internal/registry"
)

// resourceMonitor is the host pressure source consulted before expanding
// batches or launching profiling runs.
type resourceMonitor interface {
	Start()
	Stop()
	Current() hostres.Sample
	Overloaded(cpuMax, memMax float64) bool
}

// Engine is the optimizing command coordinator.
type Engine struct {
	cfg       *config.Config
	transport bridge.Transport
	logger    *slog.Logger

	registry *registry.Registry
	queue    *queue.Queue
	pool     *dispatch.Pool
	cache    *cache.Cache
	analyzer *analyzer.Analyzer
	profiler *profiler.Profiler
	history  *history.Store
	monitor  resourceMonitor

	cacheHits atomic.Int64
	optimized atomic.Int64
	fused     atomic.Int64
	submitted atomic.Int64

	profTicker *time.Ticker
	stopCh     chan struct{}
	wg         sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds an engine from configuration using the real exec transport.
func New(cfg *config.Config) (*Engine, error) {
	return NewWithTransport(cfg, bridge.NewExecTransport(cfg.Bridge.Path))
}

// NewWithTransport builds an engine over a caller-supplied transport.
func NewWithTransport(cfg *config.Config, tr bridge.Transport) (*Engine, error) {
	hist, err := history.Open(context.Background(), cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("open command history: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		transport: tr,
		logger:    log.WithComponent("engine"),
		queue:     queue.New(cfg.Service.QueueSize),
		cache:     cache.New(cfg.Cache.MaxEntries, cfg.Cache.SweepInterval),
		analyzer:  analyzer.New(analyzer.DefaultRules()),
		history:   hist,
		monitor:   hostres.New(cfg.Resources.SampleInterval),
		stopCh:    make(chan struct{}),
	}

	e.registry = registry.New(tr, cfg.Bridge.ScanInterval, e.cache.RemoveDevice)

	e.pool = dispatch.New(dispatch.Options{
		Workers:    cfg.Service.Workers,
		Transport:  tr,
		Queue:      e.queue,
		Devices:    e.registry,
		History:    hist,
		OnComplete: e.recordCompletion,
	})

	e.profiler = profiler.New(e.pool, e.registry)

	return e, nil
}

// Start probes the transport and launches all background loops. A transport
// that cannot be reached fails startup rather than producing a service that
// silently executes nothing.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	e.startOnce.Do(func() {
		if perr := e.transport.Probe(ctx); perr != nil {
			err = perr
			return
		}

		if lerr := e.LoadOptimizationData(); lerr != nil {
			e.logger.Warn("no prior optimization data loaded", "error", lerr)
		}

		e.registry.Start(ctx)
		e.cache.Start(ctx)
		e.monitor.Start()
		e.pool.Start(ctx)

		if e.cfg.Profiler.Enabled {
			e.profTicker = time.NewTicker(e.cfg.Profiler.Interval)
			e.wg.Add(1)
			go e.profileLoop(ctx)
		}

		e.logger.Info("engine started",
			"workers", e.cfg.Service.Workers,
			"queue_size", e.cfg.Service.QueueSize,
			"profiling", e.cfg.Profiler.Enabled)
	})
	return err
}

// Stop halts all loops, persists optimization state and closes the history
// store. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		if e.profTicker != nil {
			e.profTicker.Stop()
		}
		e.wg.Wait()

		e.pool.Stop()
		e.monitor.Stop()
		e.cache.Stop()
		e.registry.Stop()

		if err := e.SaveOptimizationData(); err != nil {
			e.logger.Warn("failed to persist optimization data", "error", err)
		}
		if err := e.history.Close(); err != nil {
			e.logger.Warn("failed to close history store", "error", err)
		}
		e.logger.Info("engine stopped")
	})
}

func (e *Engine) profileLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-e.profTicker.C:
			e.ProfileAllDevices(ctx)
		}
	}
}

// Execute runs one command synchronously through the optimization path:
// profile-driven rewriting, cache lookup, transport execution with retry,
// then pattern recording and cache fill. The caller's Command is never
// mutated.
func (e *Engine) Execute(ctx context.Context, cmd *bridge.Command) *bridge.Result {
	e.submitted.Add(1)

	run := cmd.Clone()
	e.applyDefaults(run)
	e.optimize(run)

	useCache := cacheable(run)
	if useCache {
		if res := e.cache.Get(run); res != nil {
			e.cacheHits.Add(1)
			return res
		}
	}

	res := e.pool.Execute(ctx, run)
	e.recordCompletion(run, res)
	return res
}

// Submit enqueues a command for asynchronous dispatch and returns its id.
// Cached repeats never reach the queue; they resolve immediately with the
// stored result. Queued completions flow through the same pattern and
// cache bookkeeping as Execute.
func (e *Engine) Submit(cmd *bridge.Command) (string, error) {
	e.submitted.Add(1)
	run := cmd.Clone()
	e.applyDefaults(run)
	e.optimize(run)

	if cacheable(run) {
		if res := e.cache.Get(run); res != nil {
			e.cacheHits.Add(1)
			return e.pool.Resolve(run, res), nil
		}
	}
	return e.pool.Submit(run)
}

// recordCompletion feeds a finished command into the pattern analyzer and,
// when eligible, the result cache. Both the synchronous and the queued
// path end here.
func (e *Engine) recordCompletion(cmd *bridge.Command, res *bridge.Result) {
	e.analyzer.Record(cmd, res)
	if cacheable(cmd) && res.Success {
		e.cache.Put(cmd, res, ttlFor(cmd))
	}
}

// SubmitAsync enqueues a command whose completion is delivered through the
// callback instead of Await.
func (e *Engine) SubmitAsync(cmd *bridge.Command, callback func(*bridge.Result)) (string, error) {
	run := cmd.Clone()
	run.Callback = callback
	return e.Submit(run)
}

// AwaitResult blocks until a submitted command completes.
func (e *Engine) AwaitResult(id string, timeout time.Duration) (*bridge.Result, error) {
	return e.pool.Await(id, timeout)
}

// PollResult reports a submitted command's result without blocking.
func (e *Engine) PollResult(id string) (*bridge.Result, bool, error) {
	return e.pool.Poll(id)
}

// GetDevice returns the registry's view of one device.
func (e *Engine) GetDevice(serial string) (bridge.Device, error) {
	d, ok := e.registry.Get(serial)
	if !ok {
		return bridge.Device{}, bridge.ErrDeviceNotFound
	}
	return d, nil
}

// Devices returns all known devices.
func (e *Engine) Devices() []bridge.Device { return e.registry.All() }

// ProfileAllDevices profiles every connected device unless the host itself
// is under pressure, in which case the run is skipped entirely.
func (e *Engine) ProfileAllDevices(ctx context.Context) []*profiler.Profile {
	if e.monitor.Overloaded(e.cfg.Resources.CPUMaxPercent, e.cfg.Resources.MemMaxPercent) {
		e.logger.Info("skipping profiling run, host overloaded",
			"cpu", e.monitor.Current().CPUPercent,
			"memory", e.monitor.Current().MemoryPercent)
		return nil
	}
	return e.profiler.ProfileAll(ctx)
}

// applyDefaults fills a command's timeout and retry budget from
// configuration when the caller left them unset.
func (e *Engine) applyDefaults(cmd *bridge.Command) {
	if cmd.Timeout <= 0 {
		cmd.Timeout = e.cfg.Bridge.Timeout
	}
	if cmd.Retries <= 0 {
		cmd.Retries = e.cfg.Service.MaxRetries
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
}
