package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/xAsh-Ai/droidflow/internal/bridge"
	"github.com/xAsh-Ai/droidflow/internal/bridge/mocks"
	"github.com/xAsh-Ai/droidflow/internal/history"
	"github.com/xAsh-Ai/droidflow/internal/queue"
)

// orderedTransport records the order commands reach the transport.
type orderedTransport struct {
	mu    sync.Mutex
	seen  []string
	delay time.Duration
}

func (o *orderedTransport) Run(_ context.Context, cmd *bridge.Command) *bridge.Result {
	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	o.mu.Lock()
	o.seen = append(o.seen, strings.Join(cmd.Args, " "))
	o.mu.Unlock()
	return &bridge.Result{Command: cmd, Success: true, Duration: time.Millisecond}
}

func (o *orderedTransport) Probe(context.Context) error { return nil }

func (o *orderedTransport) order() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.seen...)
}

func newTestPool(t *testing.T, tr bridge.Transport, workers, queueSize int) *Pool {
	t.Helper()
	p := New(Options{
		Workers:      workers,
		PollInterval: 5 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		Transport:    tr,
		Queue:        queue.New(queueSize),
	})
	return p
}

func TestRetryExhaustion(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tr := mocks.NewMockTransport(ctrl)
	tr.EXPECT().Run(gomock.Any(), gomock.Any()).
		Return(&bridge.Result{ExitCode: 1, Stderr: "nope"}).
		Times(3)

	p := newTestPool(t, tr, 1, 10)

	res := p.Execute(context.Background(), &bridge.Command{
		Args:    []string{"shell", "always-fails"},
		Retries: 3,
	})

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
}

func TestFailTwiceThenSucceed(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tr := mocks.NewMockTransport(ctrl)
	gomock.InOrder(
		tr.EXPECT().Run(gomock.Any(), gomock.Any()).Return(&bridge.Result{ExitCode: 1}),
		tr.EXPECT().Run(gomock.Any(), gomock.Any()).Return(&bridge.Result{ExitCode: 1}),
		tr.EXPECT().Run(gomock.Any(), gomock.Any()).Return(&bridge.Result{ExitCode: 0, Success: true}),
	)

	p := newTestPool(t, tr, 1, 10)

	res := p.Execute(context.Background(), &bridge.Command{
		Args:    []string{"push", "local", "/sdcard/remote"},
		Kind:    bridge.KindPush,
		Retries: 3,
	})

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
}

func TestPriorityDispatchOrder(t *testing.T) {
	t.Parallel()

	tr := &orderedTransport{}
	p := newTestPool(t, tr, 1, 10)

	// Submitted [5,1,3] before any worker runs; a single-worker pool must
	// observe [1,3,5].
	var ids []string
	for _, prio := range []int{5, 1, 3} {
		id, err := p.Submit(&bridge.Command{
			Args:     []string{"shell", "echo", "p" + string(rune('0'+prio))},
			Priority: prio,
		})
		if err != nil {
			t.Fatalf("Submit(%d): %v", prio, err)
		}
		ids = append(ids, id)
	}

	p.Start(context.Background())
	defer p.Stop()

	for _, id := range ids {
		if _, err := p.Await(id, 2*time.Second); err != nil {
			t.Fatalf("Await(%s): %v", id, err)
		}
	}

	assert.Equal(t, []string{"shell echo p1", "shell echo p3", "shell echo p5"}, tr.order())
}

func TestAwaitTimeoutThenResult(t *testing.T) {
	t.Parallel()

	tr := &orderedTransport{delay: 100 * time.Millisecond}
	p := newTestPool(t, tr, 1, 10)
	p.Start(context.Background())
	defer p.Stop()

	id, err := p.Submit(&bridge.Command{Args: []string{"shell", "slow"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = p.Await(id, time.Millisecond)
	assert.ErrorIs(t, err, ErrResultTimeout)

	res, err := p.Await(id, 2*time.Second)
	if err != nil {
		t.Fatalf("second Await: %v", err)
	}
	assert.True(t, res.Success)
}

func TestPollLifecycle(t *testing.T) {
	t.Parallel()

	tr := &orderedTransport{delay: 50 * time.Millisecond}
	p := newTestPool(t, tr, 1, 10)

	_, _, err := p.Poll("no-such-id")
	assert.ErrorIs(t, err, ErrUnknownCommand)

	id, err := p.Submit(&bridge.Command{Args: []string{"shell", "x"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Still pending: workers have not started.
	_, done, err := p.Poll(id)
	assert.NoError(t, err)
	assert.False(t, done)

	p.Start(context.Background())
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		res, done, err := p.Poll(id)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if done {
			assert.True(t, res.Success)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("command never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The result was consumed.
	_, _, err = p.Poll(id)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestCallbackPanicDoesNotKillWorker(t *testing.T) {
	t.Parallel()

	tr := &orderedTransport{}
	p := newTestPool(t, tr, 1, 10)
	p.Start(context.Background())
	defer p.Stop()

	id1, err := p.Submit(&bridge.Command{
		Args:     []string{"shell", "first"},
		Callback: func(*bridge.Result) { panic("callback exploded") },
	})
	if err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	if _, err := p.Await(id1, 2*time.Second); err != nil {
		t.Fatalf("Await 1: %v", err)
	}

	// The worker survived the panic and keeps executing.
	id2, err := p.Submit(&bridge.Command{Args: []string{"shell", "second"}})
	if err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	res, err := p.Await(id2, 2*time.Second)
	if err != nil {
		t.Fatalf("Await 2: %v", err)
	}
	assert.True(t, res.Success)
}

func TestSubmitQueueFull(t *testing.T) {
	t.Parallel()

	tr := &orderedTransport{}
	p := newTestPool(t, tr, 1, 1)

	if _, err := p.Submit(&bridge.Command{Args: []string{"shell", "a"}}); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	_, err := p.Submit(&bridge.Command{Args: []string{"shell", "b"}})
	assert.ErrorIs(t, err, bridge.ErrQueueFull)

	// The rejected submission must not leave a future behind.
	p.mu.Lock()
	assert.Len(t, p.futures, 1)
	p.mu.Unlock()
}

func TestAwaitSeesResultDeliveredBeforeSubmitReturns(t *testing.T) {
	t.Parallel()

	// Workers are already draining the queue while submissions come in, so
	// completions can land arbitrarily soon after enqueue. Every Await must
	// still observe its result.
	tr := &orderedTransport{}
	p := newTestPool(t, tr, 4, 100)
	p.Start(context.Background())
	defer p.Stop()

	for i := 0; i < 50; i++ {
		id, err := p.Submit(&bridge.Command{Args: []string{"shell", "echo", "fast"}})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		res, err := p.Await(id, 2*time.Second)
		if err != nil {
			t.Fatalf("Await %d: %v", i, err)
		}
		assert.True(t, res.Success)
	}
}

func TestCallbackDeliveryReleasesFuture(t *testing.T) {
	t.Parallel()

	tr := &orderedTransport{}
	p := newTestPool(t, tr, 1, 10)
	p.Start(context.Background())
	defer p.Stop()

	done := make(chan *bridge.Result, 1)
	id, err := p.Submit(&bridge.Command{
		Args:     []string{"shell", "echo", "cb"},
		Callback: func(res *bridge.Result) { done <- res },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case res := <-done:
		assert.True(t, res.Success)
	case <-time.After(2 * time.Second):
		t.Fatalf("callback never fired")
	}

	// The callback consumed the result; nothing is left to await and the
	// futures map holds no leaked entry.
	_, _, err = p.Poll(id)
	assert.ErrorIs(t, err, ErrUnknownCommand)
	p.mu.Lock()
	assert.Empty(t, p.futures)
	p.mu.Unlock()
}

func TestQueuedCompletionsReachHook(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []string
	tr := &orderedTransport{}
	p := New(Options{
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		Transport:    tr,
		Queue:        queue.New(10),
		OnComplete: func(cmd *bridge.Command, res *bridge.Result) {
			mu.Lock()
			seen = append(seen, strings.Join(cmd.Args, " "))
			mu.Unlock()
		},
	})
	p.Start(context.Background())
	defer p.Stop()

	id, err := p.Submit(&bridge.Command{Args: []string{"shell", "getprop", "ro.y"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := p.Await(id, 2*time.Second); err != nil {
		t.Fatalf("Await: %v", err)
	}

	mu.Lock()
	assert.Equal(t, []string{"shell getprop ro.y"}, seen)
	mu.Unlock()
}

func TestResolveSettlesImmediately(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &orderedTransport{}, 1, 10)

	cmd := &bridge.Command{Args: []string{"shell", "getprop", "ro.z"}}
	want := &bridge.Result{Command: cmd, Success: true, Stdout: "stored\n"}

	id := p.Resolve(cmd, want)
	res, err := p.Await(id, time.Millisecond)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	assert.Same(t, want, res)

	// Callback commands are consumed in place instead.
	got := make(chan *bridge.Result, 1)
	cb := &bridge.Command{
		Args:     []string{"shell", "getprop", "ro.z"},
		Callback: func(res *bridge.Result) { got <- res },
	}
	id = p.Resolve(cb, want)
	assert.Same(t, want, <-got)
	_, err = p.Await(id, time.Millisecond)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

type captureRecorder struct {
	mu       sync.Mutex
	outcomes []bool
	serials  []string
}

func (c *captureRecorder) RecordOutcome(serial string, success bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serials = append(c.serials, serial)
	c.outcomes = append(c.outcomes, success)
}

type captureHistory struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (c *captureHistory) Record(_ context.Context, e history.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func TestCompletionSideEffects(t *testing.T) {
	t.Parallel()

	tr := &orderedTransport{}
	rec := &captureRecorder{}
	hist := &captureHistory{}
	p := New(Options{
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		Transport:    tr,
		Queue:        queue.New(10),
		Devices:      rec,
		History:      hist,
	})
	p.Start(context.Background())
	defer p.Stop()

	id, err := p.Submit(&bridge.Command{
		Args:   []string{"shell", "getprop", "ro.x"},
		Serial: "emulator-5554",
		Kind:   bridge.KindProperty,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := p.Await(id, 2*time.Second); err != nil {
		t.Fatalf("Await: %v", err)
	}

	rec.mu.Lock()
	assert.Equal(t, []string{"emulator-5554"}, rec.serials)
	assert.Equal(t, []bool{true}, rec.outcomes)
	rec.mu.Unlock()

	hist.mu.Lock()
	if assert.Len(t, hist.entries, 1) {
		e := hist.entries[0]
		assert.Equal(t, id, e.CommandID)
		assert.Equal(t, "property", e.Kind)
		assert.Equal(t, "shell getprop ro.x", e.Argv)
		assert.True(t, e.Success)
	}
	hist.mu.Unlock()
}

func TestStatsCounters(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tr := mocks.NewMockTransport(ctrl)
	tr.EXPECT().Run(gomock.Any(), gomock.Any()).
		Return(&bridge.Result{Success: true, Duration: 10 * time.Millisecond})
	tr.EXPECT().Run(gomock.Any(), gomock.Any()).
		Return(&bridge.Result{ExitCode: 1, Duration: 10 * time.Millisecond})

	p := newTestPool(t, tr, 1, 10)
	p.Execute(context.Background(), &bridge.Command{Args: []string{"shell", "ok"}})
	p.Execute(context.Background(), &bridge.Command{Args: []string{"shell", "bad"}, Retries: 1})

	st := p.Stats()
	assert.Equal(t, int64(2), st.Executed)
	assert.Equal(t, int64(1), st.Failed)
}

func TestUnknownAwait(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &orderedTransport{}, 1, 10)
	_, err := p.Await("missing", time.Millisecond)
	assert.True(t, errors.Is(err, ErrUnknownCommand))
}
