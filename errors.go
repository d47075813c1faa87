package ihda

import "errors"

// Controller errors. Callers match them with errors.Is; the driver wraps them
// with the step that failed.
var (
	// ErrInvalidArgument indicates malformed or missing setup input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBadState indicates an operation that is not valid in the current
	// lifecycle state, or hardware capability fields that make no sense.
	ErrBadState = errors.New("bad state")

	// ErrTimeout indicates the hardware failed to acknowledge a handshake in time.
	ErrTimeout = errors.New("timed out")

	// ErrNotSupported indicates an unexpected hardware revision or a missing
	// hardware capability.
	ErrNotSupported = errors.New("not supported")

	// ErrNoMemory indicates an allocation failure.
	ErrNoMemory = errors.New("out of memory")

	// ErrInternal indicates a sanity check violation in hardware reported values.
	ErrInternal = errors.New("internal error")

	// ErrBusy indicates runtime resource exhaustion (command slots or stream descriptors).
	ErrBusy = errors.New("resource busy")

	// ErrShutdown is delivered to commands still pending when the controller shuts down.
	ErrShutdown = errors.New("controller shut down")
)
