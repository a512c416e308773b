package orchestrator

import (
	"errors"

	"github.com/MyAirVault/BruhMCP-sub018/internal/ports"
)

// Activation failure taxonomy. Every failure path cleans up after itself:
// no ProcessRecord, OS process, or port reservation survives a failed
// Activate.
var (
	ErrAlreadyRunning    = errors.New("instance already running")
	ErrPortExhausted     = ports.ErrExhausted
	ErrStartupTimeout    = errors.New("worker startup timed out")
	ErrProcessCrashed    = errors.New("worker exited before becoming ready")
	ErrCredentialMissing = errors.New("no credential on record for instance")
	ErrNotFound          = errors.New("unknown instance")
)

// ErrKind maps an activation error to a stable label for metrics and API
// responses.
func ErrKind(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		return "already-running"
	case errors.Is(err, ErrPortExhausted):
		return "port-exhausted"
	case errors.Is(err, ErrStartupTimeout):
		return "startup-timeout"
	case errors.Is(err, ErrProcessCrashed):
		return "process-crashed"
	case errors.Is(err, ErrCredentialMissing):
		return "credential-missing"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	default:
		return "internal"
	}
}
