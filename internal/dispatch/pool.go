// Package dispatch executes queued commands with bounded concurrency.
//
// Each worker polls the command queue on a short interval, runs the command
// through the transport with retry and exponential backoff, and delivers the
// final Result through a per-command future. Per-attempt failures are never
// surfaced individually; callers see only the final Result.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xAsh-Ai/droidflow/internal/bridge"
	"github.com/xAsh-Ai/droidflow/internal/history"
	"github.com/xAsh-Ai/droidflow/internal/log"
	"github.com/xAsh-Ai/droidflow/internal/queue"
)

var (
	// ErrUnknownCommand means no pending or completed command has that id.
	ErrUnknownCommand = errors.New("unknown command id")

	// ErrResultTimeout means the caller's wait expired before completion.
	// The command itself keeps running.
	ErrResultTimeout = errors.New("timed out waiting for result")
)

const (
	defaultPollInterval = 50 * time.Millisecond
	maxRetryBackoff     = 5 * time.Second
)

// DeviceRecorder receives per-device completion outcomes.
type DeviceRecorder interface {
	RecordOutcome(serial string, success bool, latency time.Duration)
}

// HistoryRecorder receives completed executions for persistence.
type HistoryRecorder interface {
	Record(ctx context.Context, e history.Entry) error
}

// Options configures a Pool.
type Options struct {
	Workers int
	// PollInterval is how often an idle worker re-checks the queue. Short,
	// so Stop remains responsive.
	PollInterval time.Duration
	// BackoffBase scales retry backoff: attempt n sleeps base*2^(n-1),
	// capped at 5s. Defaults to one second.
	BackoffBase time.Duration

	Transport bridge.Transport
	Queue     *queue.Queue
	// Devices and History are optional completion sinks.
	Devices DeviceRecorder
	History HistoryRecorder
	// OnComplete, when set, observes every queued command's final result
	// before it is delivered to the waiter or callback.
	OnComplete func(cmd *bridge.Command, res *bridge.Result)
}

type future struct {
	done   chan struct{}
	result *bridge.Result
}

// Stats are the pool's running execution counters.
type Stats struct {
	Executed         int64
	Failed           int64
	AverageExecution time.Duration
}

// Pool is a fixed-size set of concurrent command executors.
type Pool struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	futures map[string]*future

	executed atomic.Int64
	failed   atomic.Int64
	totalDur atomic.Int64 // nanoseconds

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool. It does not start workers; call Start.
func New(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	return &Pool{
		opts:    opts,
		logger:  log.WithComponent("dispatch"),
		futures: make(map[string]*future),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker executors.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("worker pool started", "workers", p.opts.Workers)
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop signals all workers and waits for in-flight commands to finish.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Submit enqueues a command and returns its id. Fails with
// bridge.ErrQueueFull when the queue is at capacity. The future is
// registered before the command becomes visible to workers, so a fast
// completion can never race past it. Commands carrying a callback are
// consumed by the callback at delivery and cannot also be awaited.
func (p *Pool) Submit(cmd *bridge.Command) (string, error) {
	id := uuid.NewString()

	p.mu.Lock()
	p.futures[id] = &future{done: make(chan struct{})}
	p.mu.Unlock()

	if err := p.opts.Queue.EnqueueWithID(id, cmd); err != nil {
		p.mu.Lock()
		delete(p.futures, id)
		p.mu.Unlock()
		return "", err
	}
	return id, nil
}

// Resolve settles a command with an already-known result, skipping the
// queue entirely. Callback commands get the callback invoked in place;
// all others get a completed future awaitable under the returned id.
func (p *Pool) Resolve(cmd *bridge.Command, res *bridge.Result) string {
	id := uuid.NewString()
	if cmd.Callback != nil {
		logger := log.WithCommand(id).With("serial", cmd.Serial, "kind", cmd.Kind)
		p.invokeCallback(cmd, res, logger)
		return id
	}

	done := make(chan struct{})
	close(done)
	p.mu.Lock()
	p.futures[id] = &future{done: done, result: res}
	p.mu.Unlock()
	return id
}

// Await blocks the caller until the command completes or the wait times out.
// A delivered result is consumed: a second Await or Poll for the same id
// reports ErrUnknownCommand.
func (p *Pool) Await(id string, timeout time.Duration) (*bridge.Result, error) {
	p.mu.Lock()
	f, ok := p.futures[id]
	p.mu.Unlock()
	if !ok {
		return nil, ErrUnknownCommand
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		p.mu.Lock()
		delete(p.futures, id)
		p.mu.Unlock()
		return f.result, nil
	case <-timer.C:
		return nil, ErrResultTimeout
	}
}

// Poll reports the result if the command has completed, consuming it. The
// second return is false while the command is still pending.
func (p *Pool) Poll(id string) (*bridge.Result, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.futures[id]
	if !ok {
		return nil, false, ErrUnknownCommand
	}
	select {
	case <-f.done:
		delete(p.futures, id)
		return f.result, true, nil
	default:
		return nil, false, nil
	}
}

// Stats returns the pool's execution counters.
func (p *Pool) Stats() Stats {
	executed := p.executed.Load()
	var avg time.Duration
	if executed > 0 {
		avg = time.Duration(p.totalDur.Load() / executed)
	}
	return Stats{
		Executed:         executed,
		Failed:           p.failed.Load(),
		AverageExecution: avg,
	}
}

// Backlog reports the number of commands still queued.
func (p *Pool) Backlog() int { return p.opts.Queue.Len() }

func (p *Pool) worker(ctx context.Context, n int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				it := p.opts.Queue.TryDequeue()
				if it == nil {
					break
				}
				p.execute(ctx, it)
			}
		}
	}
}

// execute runs one command to its final result and fans the outcome out to
// the future, device counters, history and the completion callback.
func (p *Pool) execute(ctx context.Context, it *queue.Item) {
	cmd := it.Command
	cmdLogger := log.WithCommand(it.ID).With("serial", cmd.Serial, "kind", cmd.Kind)

	res := p.runWithRetry(ctx, cmd, cmdLogger)

	p.executed.Add(1)
	p.totalDur.Add(int64(res.Duration))
	if !res.Success {
		p.failed.Add(1)
	}

	if p.opts.Devices != nil && cmd.Serial != "" {
		p.opts.Devices.RecordOutcome(cmd.Serial, res.Success, res.Duration)
	}

	if p.opts.History != nil {
		e := history.Entry{
			CommandID:   it.ID,
			Serial:      cmd.Serial,
			Kind:        string(cmd.Kind),
			Argv:        strings.Join(cmd.Args, " "),
			Success:     res.Success,
			ExitCode:    res.ExitCode,
			Attempts:    res.Attempts,
			Duration:    res.Duration,
			CreatedAt:   cmd.CreatedAt,
			CompletedAt: time.Now(),
		}
		if err := p.opts.History.Record(ctx, e); err != nil {
			cmdLogger.Warn("history record failed", "error", err)
		}
	}

	if !res.Success {
		cmdLogger.Warn("command failed", "error", res.Err(), "attempts", res.Attempts)
	}

	if p.opts.OnComplete != nil {
		p.opts.OnComplete(cmd, res)
	}

	p.deliver(it.ID, res, cmd.Callback != nil)

	if cmd.Callback != nil {
		p.invokeCallback(cmd, res, cmdLogger)
	}
}

// runWithRetry retries failed attempts with exponential backoff. The final
// attempt's outcome becomes the Result, annotated with the attempt count.
func (p *Pool) runWithRetry(ctx context.Context, cmd *bridge.Command, logger *slog.Logger) *bridge.Result {
	retries := cmd.Retries
	if retries <= 0 {
		retries = 1
	}

	var res *bridge.Result
	for attempt := 1; attempt <= retries; attempt++ {
		res = p.opts.Transport.Run(ctx, cmd)
		res.Attempts = attempt
		if res.Success {
			return res
		}

		logger.Warn("attempt failed",
			"attempt", attempt, "exit_code", res.ExitCode, "timed_out", res.TimedOut)

		if attempt == retries {
			break
		}
		backoff := p.opts.BackoffBase << uint(attempt-1)
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
		select {
		case <-time.After(backoff):
		case <-p.stopCh:
			return res
		case <-ctx.Done():
			return res
		}
	}
	return res
}

// deliver settles the command's future. When the callback is the consumer
// the future is removed here, otherwise callback submissions would pin a
// map entry forever.
func (p *Pool) deliver(id string, res *bridge.Result, consume bool) {
	p.mu.Lock()
	f, ok := p.futures[id]
	if ok && consume {
		delete(p.futures, id)
	}
	p.mu.Unlock()
	if !ok {
		// Direct executions bypass Submit and carry no future.
		return
	}
	f.result = res
	close(f.done)
}

// invokeCallback runs the completion callback, recovering panics so a bad
// callback never takes down a worker.
func (p *Pool) invokeCallback(cmd *bridge.Command, res *bridge.Result, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("command callback panicked", "panic", r)
		}
	}()
	cmd.Callback(res)
}

// Execute runs a command immediately on the caller's goroutine, bypassing
// the queue. Used for profiling bursts and other internal traffic that must
// not contend with dispatch ordering.
func (p *Pool) Execute(ctx context.Context, cmd *bridge.Command) *bridge.Result {
	logger := p.logger.With("serial", cmd.Serial, "kind", cmd.Kind)
	res := p.runWithRetry(ctx, cmd, logger)

	p.executed.Add(1)
	p.totalDur.Add(int64(res.Duration))
	if !res.Success {
		p.failed.Add(1)
	}
	if p.opts.Devices != nil && cmd.Serial != "" {
		p.opts.Devices.RecordOutcome(cmd.Serial, res.Success, res.Duration)
	}
	return res
}
