package recovery

import "errors"

// Restart gate outcomes. A non-nil error from RequestRestart means no
// restart was issued; callers distinguish suppression (cooldowns, budget)
// from transport failure via errors.Is.
var (
	// ErrNoTransport indicates no transport is attached to the coordinator.
	ErrNoTransport = errors.New("no transport attached")

	// ErrStopRequested indicates a stop is in progress and no recovery
	// action may start.
	ErrStopRequested = errors.New("stop requested")

	// ErrMaxReconnects indicates the automatic reconnect budget for this
	// session is exhausted.
	ErrMaxReconnects = errors.New("auto reconnect budget exhausted")

	// ErrCooloffActive indicates restarts are suppressed after repeated
	// handshake failures.
	ErrCooloffActive = errors.New("restart cooloff active")

	// ErrActionCooldown indicates a recovery action ran too recently.
	ErrActionCooldown = errors.New("recovery action cooldown active")

	// ErrFailureCooldown indicates the last restart attempt failed too
	// recently to try again.
	ErrFailureCooldown = errors.New("restart failure cooldown active")

	// ErrRestartFailed indicates the transport rejected the restart after
	// all attempts.
	ErrRestartFailed = errors.New("stream restart request failed")
)
