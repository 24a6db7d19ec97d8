package bridge

import "errors"

var (
	// ErrQueueFull rejects a submission when the command queue is at capacity.
	ErrQueueFull = errors.New("command queue is full")

	// ErrCommandTimeout marks an attempt that exceeded its timeout.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrCommandFailed marks a non-zero return code after all retries.
	ErrCommandFailed = errors.New("command failed after all retries")

	// ErrTransportUnavailable means the bridge executable is missing or
	// unresponsive. Surfaced once by the startup probe.
	ErrTransportUnavailable = errors.New("bridge executable unavailable")

	// ErrDeviceNotFound rejects profiling or lookup of an unknown serial.
	ErrDeviceNotFound = errors.New("device not found")
)
