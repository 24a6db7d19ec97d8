// Package registry maintains the authoritative, thread-safe view of the
// device fleet, refreshed by a periodic scan of the bridge's device listing.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xAsh-Ai/droidflow/internal/bridge"
	"github.com/xAsh-Ai/droidflow/internal/log"
)

const scanTimeout = 10 * time.Second

// Registry owns all device records. Other components read snapshots by
// serial; only the registry mutates the canonical map.
type Registry struct {
	transport bridge.Transport
	interval  time.Duration
	logger    *slog.Logger

	// onRemove releases per-device pooled resources when a stale device is
	// dropped. Optional.
	onRemove func(serial string)

	mu      sync.RWMutex
	devices map[string]*bridge.Device

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a registry scanning on the given interval.
func New(transport bridge.Transport, interval time.Duration, onRemove func(string)) *Registry {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Registry{
		transport: transport,
		interval:  interval,
		logger:    log.WithComponent("registry"),
		onRemove:  onRemove,
		devices:   make(map[string]*bridge.Device),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background scan loop. An initial scan runs immediately.
func (r *Registry) Start(ctx context.Context) {
	r.logger.Info("scanner started", "interval", r.interval)
	r.wg.Add(1)
	go r.scanLoop(ctx)
}

// Stop signals the scan loop and waits for it to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("scanner stopped")
}

func (r *Registry) scanLoop(ctx context.Context) {
	defer r.wg.Done()

	if err := r.Scan(ctx); err != nil {
		r.logger.Warn("initial scan failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Scan failures are logged and skipped; the last known good
			// view always beats an empty one.
			if err := r.Scan(ctx); err != nil {
				r.logger.Warn("device scan failed", "error", err)
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Scan invokes the bridge's device listing and reconciles the device map.
// A transport failure leaves the existing map untouched.
func (r *Registry) Scan(ctx context.Context) error {
	res := r.transport.Run(ctx, &bridge.Command{
		Args:    []string{"devices", "-l"},
		Timeout: scanTimeout,
	})
	if !res.Success {
		return fmt.Errorf("device listing: exit=%d stderr=%q", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	now := time.Now()
	seen := 0

	r.mu.Lock()
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") {
			continue
		}

		serial, state, meta, ok := parseDeviceLine(line)
		if !ok {
			// Unparseable lines are non-fatal.
			r.logger.Debug("skipping unparseable device line", "line", line)
			continue
		}
		seen++

		if d, exists := r.devices[serial]; exists {
			d.State = state
			d.LastSeen = now
			// Metadata can change across reconnects, e.g. a device that
			// first showed up unauthorized and reported nothing.
			if v := meta["product"]; v != "" {
				d.Product = v
			}
			if v := meta["model"]; v != "" {
				d.Model = v
			}
			if v := meta["device"]; v != "" {
				d.DeviceName = v
			}
			if v := meta["transport_id"]; v != "" {
				d.TransportID = v
			}
			continue
		}
		r.devices[serial] = &bridge.Device{
			Serial:            serial,
			State:             state,
			Product:           meta["product"],
			Model:             meta["model"],
			DeviceName:        meta["device"],
			TransportID:       meta["transport_id"],
			LastSeen:          now,
			ConnectionQuality: 1.0,
		}
		r.logger.Info("device discovered", "serial", serial, "state", state)
	}

	// Devices not seen within 3x the scan interval are dropped and their
	// pooled resources released.
	staleBefore := now.Add(-3 * r.interval)
	for serial, d := range r.devices {
		if d.LastSeen.Before(staleBefore) {
			delete(r.devices, serial)
			r.logger.Info("removing stale device", "serial", serial)
			if r.onRemove != nil {
				r.onRemove(serial)
			}
		}
	}
	r.mu.Unlock()

	r.logger.Debug("scan complete", "devices", seen)
	return nil
}

// parseDeviceLine splits one `devices -l` line into serial, state and
// key:value metadata.
func parseDeviceLine(line string) (serial string, state bridge.ConnState, meta map[string]string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", nil, false
	}

	meta = make(map[string]string)
	for _, f := range fields[2:] {
		if k, v, found := strings.Cut(f, ":"); found {
			meta[k] = v
		}
	}
	return fields[0], bridge.ParseConnState(fields[1]), meta, true
}

// Get returns a snapshot of the device with the given serial.
func (r *Registry) Get(serial string) (bridge.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[serial]
	if !ok {
		return bridge.Device{}, false
	}
	return *d, true
}

// All returns snapshots of every known device.
func (r *Registry) All() []bridge.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]bridge.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}

// Connected returns snapshots of devices currently in the connected state.
func (r *Registry) Connected() []bridge.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]bridge.Device, 0, len(r.devices))
	for _, d := range r.devices {
		if d.State == bridge.StateConnected {
			out = append(out, *d)
		}
	}
	return out
}

// Count reports the number of known devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// qualityAlpha weights the newest outcome in the rolling quality score.
const qualityAlpha = 0.1

// RecordOutcome folds one command completion into the device's counters,
// rolling latency and connection-quality score. Unknown serials are ignored.
func (r *Registry) RecordOutcome(serial string, success bool, latency time.Duration) {
	if serial == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[serial]
	if !ok {
		return
	}

	outcome := 0.0
	if success {
		outcome = 1.0
		d.SuccessfulCommands++
		n := d.SuccessfulCommands
		d.AverageLatency = time.Duration((int64(d.AverageLatency)*(n-1) + int64(latency)) / n)
	} else {
		d.FailedCommands++
	}
	d.ConnectionQuality = (1-qualityAlpha)*d.ConnectionQuality + qualityAlpha*outcome
}
