// Package ferrors declares the abstract error taxonomy from §7: sentinel
// values that let callers distinguish Allocation, Transport, Local-service,
// and Fatal failures with errors.Is instead of string matching.
package ferrors

import "errors"

// Allocation errors, surfaced to callers of POST /ports/allocate and never
// retried silently by the Gateway.
var (
	ErrNoPortAvailable      = errors.New("fabric: no port available")
	ErrPreferredUnavailable = errors.New("fabric: preferred port unavailable")
	ErrBindFailed           = errors.New("fabric: listener bind failed")
	ErrUnknownMapping       = errors.New("fabric: no mapping for local port")
)

// Transport errors, absorbed locally by teardown and Agent-side reconnect;
// never surfaced to administrative callers.
var (
	ErrUnknownBinding    = errors.New("fabric: session declared an unbound public port")
	ErrFramingViolation  = errors.New("fabric: protocol framing violation")
	ErrSessionClosed     = errors.New("fabric: session is closed")
	ErrGatewayRefused    = errors.New("fabric: gateway refused session")
	ErrGatewayUnreachable = errors.New("fabric: gateway unreachable")
)

// Local-service errors, surfaced as a closed Session to the end-user; the
// owning Mapping stays alive.
var (
	ErrLocalDialFailed = errors.New("fabric: local service dial failed")
)

// Configuration errors, rejected at edit time; never persisted.
var (
	ErrInvalidConfig = errors.New("fabric: invalid configuration")
)
