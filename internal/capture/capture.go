// Package capture defines the contract a pluggable input-capture
// backend must satisfy (C5, §4.5). Real backends (wlroots layer-shell,
// libei, X11, Windows low-level hooks, macOS event taps) are out of
// scope (§1); this package only defines the interface capture-task
// depends on, plus a loopback backend for tests.
package capture

import "github.com/feschber/lan-mouse/internal/proto"

// Kind tags a capture event, mirroring the union in spec §3.
type Kind int

const (
	KindMotion Kind = iota
	KindButton
	KindKey
	KindAxis
	KindEnterEdge
	KindRelease
	KindDisconnect
)

// Event is one item from a capture backend's stream.
type Event struct {
	Kind Kind

	DX, DY float64 // KindMotion

	Code    uint32 // KindButton, KindKey
	Pressed bool   // KindButton, KindKey

	Axis  byte    // KindAxis
	Value float64 // KindAxis

	Edge     proto.Edge // KindEnterEdge
	Position uint16     // KindEnterEdge
}

// Backend is the capability contract any capture implementation must
// satisfy (Design Note: "modeled as a capability contract, not
// inheritance"). The channel Open returns delivers events in FIFO
// order (§5) until Terminate is called or the backend fails.
type Backend struct {
	// Open starts the event stream. The returned channel is closed
	// when the backend stops (Terminate, or an unrecoverable backend
	// error).
	Open func() (<-chan Event, error)

	// Release hints that the session returned local; the backend may
	// release any pointer lock it's holding. Non-blocking, best effort.
	Release func()

	// Terminate stops the stream and releases all resources. Per
	// §4.5, the backend must synthesize a key-up for every key it
	// emitted a key-down for, before the returned channel closes, so
	// the core never observes an unmatched down.
	Terminate func()

	// Name identifies which concrete backend this is, for the
	// startup-selection log line (§4.5).
	Name string
}

// Factory constructs a Backend, returning an error if this backend
// kind cannot initialize on the current host.
type Factory func() (Backend, error)

// Select tries factories in order (§4.5: "libei -> layer-shell -> X11
// -> Windows -> macOS -> dummy; first that initializes wins, logged")
// and returns the first one whose factory succeeds. Select does not log;
// the caller logs the chosen backend's Name.
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
