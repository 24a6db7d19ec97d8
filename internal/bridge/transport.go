package bridge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/xAsh-Ai/droidflow/internal/log"
)

const (
	// maxCapturedBytes caps stdout/stderr captured from one invocation.
	maxCapturedBytes = 1 << 20

	// terminationGracePeriod is the time we wait after SIGTERM before SIGKILL.
	terminationGracePeriod = 5 * time.Second

	defaultAttemptTimeout = 30 * time.Second
	probeTimeout          = 5 * time.Second
)

//go:generate mockgen -source=transport.go -destination=mocks/mock_transport.go -package=mocks

// Transport executes a single command attempt against a device. Retry policy
// lives above the transport, in the worker pool.
type Transport interface {
	// Run performs one blocking invocation and always returns a Result.
	// Spawn failures and timeouts come back as failed results, never panics.
	Run(ctx context.Context, cmd *Command) *Result

	// Probe checks that the bridge executable responds at all.
	Probe(ctx context.Context) error
}

// ExecTransport invokes the bridge executable once per command:
// `<bridge> [-s <serial>] <argv...>`. There is no persistent session.
type ExecTransport struct {
	path   string
	logger *slog.Logger
}

// NewExecTransport creates a transport for the bridge at path. An empty path
// triggers a search of common install locations.
func NewExecTransport(path string) *ExecTransport {
	if path == "" {
		path = FindBridge()
	}
	return &ExecTransport{
		path:   path,
		logger: log.WithComponent("bridge"),
	}
}

// Path returns the resolved bridge executable path.
func (t *ExecTransport) Path() string { return t.path }

// FindBridge probes common install locations for a working bridge executable
// and falls back to relying on PATH.
func FindBridge() string {
	candidates := []string{
		"adb",
		"/usr/local/bin/adb",
		"/usr/bin/adb",
		"/opt/android-sdk/platform-tools/adb",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, "Android/Sdk/platform-tools/adb"),
			filepath.Join(home, "Library/Android/sdk/platform-tools/adb"),
		)
	}

	for _, c := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		err := runProbe(ctx, c)
		cancel()
		if err == nil {
			return c
		}
	}
	return "adb"
}

// Probe runs `<bridge> version` and reports ErrTransportUnavailable on any
// failure.
func (t *ExecTransport) Probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := runProbe(pctx, t.path); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

func runProbe(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, path, "version")
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run()
}

// Run executes one attempt. The command's timeout bounds this attempt only;
// on expiry the process is terminated (SIGTERM, then SIGKILL after a grace
// period) and a failed, TimedOut result is returned.
func (t *ExecTransport) Run(ctx context.Context, cmd *Command) *Result {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}

	argv := make([]string, 0, len(cmd.Args)+2)
	if cmd.Serial != "" {
		argv = append(argv, "-s", cmd.Serial)
	}
	argv = append(argv, cmd.Args...)

	proc := exec.Command(t.path, argv...)
	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	start := time.Now()
	if err := proc.Start(); err != nil {
		return &Result{
			Command:  cmd,
			ExitCode: -1,
			Stderr:   fmt.Sprintf("start bridge process: %v", err),
			Duration: time.Since(start),
		}
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- proc.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		t.logger.Warn("attempt timed out, sending SIGTERM", "timeout", timeout, "args", cmd.Args)
		if proc.Process != nil {
			_ = proc.Process.Signal(syscall.SIGTERM)
		}
		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()
		select {
		case <-waitErr:
		case <-grace.C:
			t.logger.Warn("process ignored SIGTERM, sending SIGKILL")
			if proc.Process != nil {
				_ = proc.Process.Kill()
			}
			<-waitErr
		}
		return &Result{
			Command:  cmd,
			ExitCode: -1,
			Stdout:   truncate(stdout.String()),
			Stderr:   fmt.Sprintf("%v after %s", ErrCommandTimeout, timeout),
			Duration: time.Since(start),
			TimedOut: true,
		}

	case <-ctx.Done():
		if proc.Process != nil {
			_ = proc.Process.Kill()
		}
		<-waitErr
		return &Result{
			Command:  cmd,
			ExitCode: -1,
			Stdout:   truncate(stdout.String()),
			Stderr:   fmt.Sprintf("cancelled: %v", ctx.Err()),
			Duration: time.Since(start),
		}

	case err := <-waitErr:
		dur := time.Since(start)
		exitCode := 0
		if err != nil {
			exitCode = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			}
		}
		return &Result{
			Command:  cmd,
			ExitCode: exitCode,
			Stdout:   truncate(stdout.String()),
			Stderr:   truncate(stderr.String()),
			Duration: dur,
			Success:  exitCode == 0,
		}
	}
}

func truncate(s string) string {
	if len(s) > maxCapturedBytes {
		return s[:maxCapturedBytes]
	}
	return s
}
