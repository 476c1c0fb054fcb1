// Package nodeerr defines the sentinel error taxonomy shared across the
// node: TRANSIENT, LOCAL, LINK_FAILED, PROTOCOL, FATAL.
package nodeerr

import "errors"

// Transient errors are logged and the caller continues.
var (
	ErrTruncated = errors.New("TRANSIENT: truncated frame")
	ErrPowMiss   = errors.New("TRANSIENT: pow attempt miss")
)

// Local errors update counters/diagnostics and may trigger recovery.
var (
	ErrNoNextHop    = errors.New("LOCAL: no next hop")
	ErrNoRoute      = errors.New("LOCAL: no route")
	ErrTTLExceeded  = errors.New("LOCAL: ttl exceeded")
	ErrAckTimeout   = errors.New("LOCAL: ack timeout")
	ErrBrokenRoute  = errors.New("LOCAL: broken route")
)

// LinkFailed is raised when ACK retries are exhausted for a next hop.
var ErrLinkFailed = errors.New("LINK_FAILED: next hop unresponsive")

// Protocol errors reject an operation outright.
var (
	ErrPowInvalid     = errors.New("PROTOCOL: pow invalid")
	ErrNoPending      = errors.New("PROTOCOL: no pending challenge")
	ErrHashLinkBroken = errors.New("PROTOCOL: hash link mismatch")
	ErrInvalidArgs    = errors.New("PROTOCOL: invalid arguments")
)

// Fatal errors abort the node process.
var (
	ErrBindFailed    = errors.New("FATAL: socket bind failure")
	ErrKeyMaterialIO = errors.New("FATAL: key material io failure")
	ErrPowExhausted  = errors.New("FATAL: pow exhausted without solution")
)
