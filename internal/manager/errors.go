package manager

import "errors"

var (
	// ErrLaunchFailure wraps a refusal to spawn a child process.
	ErrLaunchFailure = errors.New("launch failure")
	// ErrHealthCheckTimeout is returned when the application server never accepts connections.
	ErrHealthCheckTimeout = errors.New("health check timed out")
	// ErrPersistence wraps a failure to write supervisor state to disk.
	ErrPersistence = errors.New("persistence failure")
	// ErrRestartExhausted ends supervision after a critical process used up its restarts.
	ErrRestartExhausted = errors.New("restart attempts exhausted")
	// ErrAlreadyRunning is returned by StartAll when the ledger lists a live process.
	ErrAlreadyRunning = errors.New("application appears to be running")
	// ErrDependencies is returned when first-run dependency installation fails.
	ErrDependencies = errors.New("dependency installation failed")

	errProcessVanished = errors.New("process vanished")
)
