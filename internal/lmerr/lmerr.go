// Package lmerr defines the error kinds used throughout lan-mouse (§7):
// transport, protocol, peer-unreachable, backend, config, and ipc. Each
// is a sentinel wrapped with context via fmt.Errorf("%w: ...", Kind),
// checked with errors.Is, mirroring the teacher's typed-error-with-
// Unwrap shape (device.IPCError) rather than bare string comparison.
package lmerr

import "errors"

var (
	// ErrTransport covers socket bind/send/recv failures (always
	// recovered locally on the datagram path per §7).
	ErrTransport = errors.New("transport error")

	// ErrProtocol covers decode failures and unknown tags.
	ErrProtocol = errors.New("protocol error")

	// ErrPeerUnreachable marks a liveness timeout (C4).
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrBackend covers capture/emulation backend init or runtime
	// failure.
	ErrBackend = errors.New("backend error")

	// ErrConfig covers malformed TOML or missing required fields.
	// Fatal at startup (exit code 1).
	ErrConfig = errors.New("config error")

	// ErrIPC covers control-socket client disconnects and malformed
	// requests.
	ErrIPC = errors.New("ipc error")
)
