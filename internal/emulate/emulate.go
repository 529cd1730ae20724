// Package emulate defines the contract a pluggable input-emulation
// backend must satisfy (C6, §4.6). Real backends (virtual
// pointer/keyboard, XTest, SendInput, CGEvent) are out of scope (§1);
// this package defines the interface emulation-task depends on, plus a
// recording backend for tests.
package emulate

import "github.com/feschber/lan-mouse/internal/proto"

// Backend is the capability contract any emulation implementation must
// satisfy.
type Backend struct {
	// Create prepares per-peer emulation state, keyed by registry
	// handle (passed as a plain int so this package does not import
	// registry).
	Create func(handle int)

	// Consume plays one event. Non-blocking and best-effort: dropped
	// events are acceptable (§4.6).
	Consume func(handle int, e proto.Event)

	// Destroy releases a single peer's emulation state, synthesizing
	// key-up for every key previously pressed for that handle.
	Destroy func(handle int)

	// Terminate releases all resources for all handles, synthesizing
	// key-up for every outstanding pressed key across every handle.
	Terminate func()

	Name string
}

// Factory constructs a Backend, returning an error if unavailable on
// this host.
type Factory func() (Backend, error)

// Select mirrors capture.Select: try factories in priority order,
// first success wins (§4.6 "Backend selection mirrors C5").
func Select(factories ...Factory) (Backend, error) {
	var lastErr error
	for _, f := range factories {
		b, err := f()
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return Backend{}, lastErr
}
