package bridge

import (
	"fmt"
	"time"
)

// ConnState is the connection state of a device as reported by the bridge.
type ConnState string

const (
	StateUnknown      ConnState = "unknown"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateUnauthorized ConnState = "unauthorized"
	StateOffline      ConnState = "offline"
	StateRecovery     ConnState = "recovery"
	StateBootloader   ConnState = "bootloader"
)

// ParseConnState maps a state token from `devices -l` output to a ConnState.
// The bridge reports a healthy device as "device".
func ParseConnState(s string) ConnState {
	switch s {
	case "device":
		return StateConnected
	case "disconnected":
		return StateDisconnected
	case "unauthorized":
		return StateUnauthorized
	case "offline":
		return StateOffline
	case "recovery":
		return StateRecovery
	case "bootloader":
		return StateBootloader
	default:
		return StateUnknown
	}
}

// CommandKind classifies a command for caching and optimization decisions.
// The set is open; unknown kinds are treated as KindShell.
type CommandKind string

const (
	KindShell      CommandKind = "shell"
	KindPush       CommandKind = "push"
	KindPull       CommandKind = "pull"
	KindInstall    CommandKind = "install"
	KindUninstall  CommandKind = "uninstall"
	KindScreenshot CommandKind = "screenshot"
	KindInput      CommandKind = "input"
	KindProperty   CommandKind = "property"
)

// Command is one unit of work for the bridge. Callers must not mutate a
// command after submitting it; the engine clones before applying
// device-specific adjustments.
type Command struct {
	// Args is the argv passed to the bridge executable, after the optional
	// `-s <serial>` selector.
	Args []string
	// Serial targets a specific device. Empty means the bridge's default.
	Serial string
	Kind   CommandKind
	// Timeout bounds a single attempt, not the whole retry sequence.
	Timeout time.Duration
	// Retries is the total attempt budget, minimum 1.
	Retries int
	// Priority orders dispatch: smaller numbers run first.
	Priority  int
	CreatedAt time.Time
	// Callback, when set, is invoked once with the final result. Panics in
	// the callback are recovered and logged.
	Callback func(*Result)
}

// Clone returns a copy safe to adjust without touching the caller's command.
func (c *Command) Clone() *Command {
	cp := *c
	cp.Args = append([]string(nil), c.Args...)
	return &cp
}

// Result is the terminal outcome of a command after its final attempt.
// Never mutated once created.
type Result struct {
	Command  *Command
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Success  bool
	// Attempts is how many attempts were made, including the final one.
	Attempts int
	// TimedOut is set when the final attempt was killed on timeout expiry.
	TimedOut bool
}

// Err classifies a failed result as a sentinel-wrapped error, nil for
// successes. errors.Is distinguishes timeouts from plain failures.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	if r.TimedOut {
		return fmt.Errorf("%w after %s", ErrCommandTimeout, r.Duration)
	}
	return fmt.Errorf("%w: exit code %d", ErrCommandFailed, r.ExitCode)
}

// Device is a snapshot of a known device. The registry owns the canonical
// record; everyone else works with copies.
type Device struct {
	Serial      string
	State       ConnState
	Product     string
	Model       string
	DeviceName  string
	TransportID string
	LastSeen    time.Time
	// ConnectionQuality is a rolling 0..1 score fed by command outcomes.
	ConnectionQuality  float64
	AverageLatency     time.Duration
	SuccessfulCommands int64
	FailedCommands     int64
}
