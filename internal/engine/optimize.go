package engine

import (
	"time"

	"github.com/xAsh-Ai/droidflow/internal/bridge"
)

const (
	slowDeviceLatency = 500 * time.Millisecond
	fastThroughput    = 10.0
	lowQuality        = 0.8
	maxRetryBudget    = 5
)

// cacheableVerbs are read-only commands whose output is safe to replay.
var cacheableVerbs = map[string]bool{
	"getprop": true,
	"cat":     true,
	"ls":      true,
	"ps":      true,
	"netstat": true,
	"dumpsys": true,
	"top":     true,
}

// mutatingVerbs change device state and must always hit the transport.
var mutatingVerbs = map[string]bool{
	"install":   true,
	"uninstall": true,
	"push":      true,
	"pull":      true,
	"rm":        true,
	"mkdir":     true,
	"mv":        true,
	"cp":        true,
	"chmod":     true,
	"chown":     true,
	"input":     true,
	"reboot":    true,
}

// commandVerb extracts the verb that decides cache policy, looking past a
// leading "shell".
func commandVerb(cmd *bridge.Command) string {
	args := cmd.Args
	if len(args) == 0 {
		return ""
	}
	if args[0] == "shell" {
		if len(args) < 2 {
			return ""
		}
		return args[1]
	}
	return args[0]
}

// cacheable reports whether a command's result may be served from cache.
// Only verbs on the read-only allow list qualify; anything unknown is
// treated as potentially mutating.
func cacheable(cmd *bridge.Command) bool {
	switch cmd.Kind {
	case bridge.KindInstall, bridge.KindUninstall, bridge.KindPush, bridge.KindPull, bridge.KindInput:
		return false
	}
	verb := commandVerb(cmd)
	if verb == "" || mutatingVerbs[verb] {
		return false
	}
	return cacheableVerbs[verb]
}

// ttlFor grades cache lifetime by how volatile the command's output is.
// Process and network listings churn constantly, system properties are
// near-static, and anything under /system is immutable between flashes.
func ttlFor(cmd *bridge.Command) time.Duration {
	verb := commandVerb(cmd)
	switch verb {
	case "ps", "netstat", "top":
		return 30 * time.Second
	case "dumpsys", "getprop":
		return 5 * time.Minute
	case "cat", "ls":
		for _, a := range cmd.Args {
			if len(a) >= len("/system") && a[:len("/system")] == "/system" {
				return time.Hour
			}
		}
	}
	return time.Minute
}

// optimize rewrites a command's execution budget from what the registry and
// profiler know about its device: slow devices get more time, fast devices
// get tighter timeouts, flaky connections get extra retries.
func (e *Engine) optimize(cmd *bridge.Command) {
	if cmd.Serial == "" {
		return
	}

	changed := false
	if d, ok := e.registry.Get(cmd.Serial); ok {
		if d.AverageLatency > slowDeviceLatency {
			cmd.Timeout *= 2
			changed = true
		}
		if d.ConnectionQuality > 0 && d.ConnectionQuality < lowQuality {
			retries := cmd.Retries + 2
			if retries > maxRetryBudget {
				retries = maxRetryBudget
			}
			if retries != cmd.Retries {
				cmd.Retries = retries
				changed = true
			}
		}
	}

	if p, err := e.profiler.Get(cmd.Serial); err == nil {
		if p.CommandThroughput > fastThroughput {
			cmd.Timeout = time.Duration(float64(cmd.Timeout) * 0.7)
			changed = true
		}
	}

	if changed {
		e.optimized.Add(1)
	}
}
