package pump

import "errors"

// Error kinds returned (wrapped with fmt.Errorf("...: %w", ...)) by pump
// components. Callers use errors.Is against these sentinels.
var (
	// ErrEngineFailure wraps any error returned by the Engine itself
	// (Wrap, Unwrap, or a delegated task).
	ErrEngineFailure = errors.New("pump: engine failure")

	// ErrDownstreamFailure wraps a failure delivered by a downstream
	// consumer, or a local accounting failure (e.g. ReadBuffer overflow)
	// attributed to the read side.
	ErrDownstreamFailure = errors.New("pump: downstream failure")

	// ErrUpstreamFailure wraps a failure reported by an upstream source.
	ErrUpstreamFailure = errors.New("pump: upstream failure")

	// ErrProtocolViolation marks an engine handshake status the
	// coordinator does not know how to act on.
	ErrProtocolViolation = errors.New("pump: protocol violation")

	// ErrReadBufferOverflow is returned by ReadBuffer.Append when growth
	// would exceed the hard cap.
	ErrReadBufferOverflow = errors.New("pump: read buffer exceeded hard cap")
)
