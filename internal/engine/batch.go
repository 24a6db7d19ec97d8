package engine

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/xAsh-Ai/droidflow/internal/bridge"
)

// propLine matches getprop's "[key]: [value]" output format.
var propLine = regexp.MustCompile(`^\[(.+?)\]: \[(.*)\]$`)

// Batch executes a set of commands, grouped per device so independent
// devices proceed in parallel, with at most maxConcurrent device groups in
// flight (zero means unbounded). Property reads against the same device are
// fused into a single filtered getprop round trip, with the combined output
// fanned back out so every input command still receives its own Result at
// the same index. An overloaded host refuses the parallel expansion and
// runs device groups one at a time.
func (e *Engine) Batch(ctx context.Context, cmds []*bridge.Command, maxConcurrent int) []*bridge.Result {
	results := make([]*bridge.Result, len(cmds))

	if e.monitor.Overloaded(e.cfg.Resources.CPUMaxPercent, e.cfg.Resources.MemMaxPercent) {
		e.logger.Info("host overloaded, serializing batch device groups",
			"cpu", e.monitor.Current().CPUPercent,
			"memory", e.monitor.Current().MemoryPercent)
		maxConcurrent = 1
	}

	groups := make(map[string][]int)
	var serials []string
	for i, c := range cmds {
		if _, ok := groups[c.Serial]; !ok {
			serials = append(serials, c.Serial)
		}
		groups[c.Serial] = append(groups[c.Serial], i)
	}

	var sem chan struct{}
	if maxConcurrent > 0 {
		sem = make(chan struct{}, maxConcurrent)
	}

	var wg sync.WaitGroup
	for _, serial := range serials {
		wg.Add(1)
		go func(idx []int) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			e.runGroup(ctx, cmds, idx, results)
		}(groups[serial])
	}
	wg.Wait()

	return results
}

// runGroup executes one device's share of a batch, fusing property reads
// first and running the remainder individually.
func (e *Engine) runGroup(ctx context.Context, cmds []*bridge.Command, idx []int, results []*bridge.Result) {
	if e.cfg.Optimization.FusionEnabled {
		var fusible []int
		for _, i := range idx {
			if _, ok := propertyRead(cmds[i]); ok {
				fusible = append(fusible, i)
			}
		}
		if len(fusible) >= 2 {
			e.runFused(ctx, cmds, fusible, results)
		}
	}

	for _, i := range idx {
		if results[i] == nil {
			results[i] = e.Execute(ctx, cmds[i])
		}
	}
}

// propertyRead reports the property name when a command is a single
// getprop lookup.
func propertyRead(cmd *bridge.Command) (string, bool) {
	args := cmd.Args
	if len(args) == 3 && args[0] == "shell" && args[1] == "getprop" {
		return args[2], true
	}
	if len(args) == 2 && args[0] == "getprop" {
		return args[1], true
	}
	return "", false
}

// runFused replaces several getprop lookups with one filtered dump. On any
// failure the results stay unset and the per-command path retries them
// individually.
func (e *Engine) runFused(ctx context.Context, cmds []*bridge.Command, fusible []int, results []*bridge.Result) {
	props := make([]string, len(fusible))
	for n, i := range fusible {
		props[n], _ = propertyRead(cmds[i])
	}

	fusedCmd := &bridge.Command{
		Args:   []string{"shell", "getprop | grep -E '(" + strings.Join(props, "|") + ")'"},
		Serial: cmds[fusible[0]].Serial,
		Kind:   bridge.KindShell,
	}
	e.applyDefaults(fusedCmd)

	res := e.pool.Execute(ctx, fusedCmd)
	if !res.Success {
		e.logger.Warn("fused property read failed, falling back to individual reads",
			"serial", fusedCmd.Serial, "properties", len(props))
		return
	}
	e.fused.Add(int64(len(fusible)))

	values := parsePropOutput(res.Stdout)
	for n, i := range fusible {
		prop := props[n]
		if v, ok := values[prop]; ok {
			results[i] = &bridge.Result{
				Command:  cmds[i],
				Success:  true,
				Stdout:   v + "\n",
				Duration: res.Duration,
				Attempts: res.Attempts,
			}
		} else {
			results[i] = &bridge.Result{
				Command:  cmds[i],
				ExitCode: 1,
				Stderr:   "property not set: " + prop,
				Duration: res.Duration,
				Attempts: res.Attempts,
			}
		}
	}
}

func parsePropOutput(out string) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		if m := propLine.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			values[m[1]] = m[2]
		}
	}
	return values
}
