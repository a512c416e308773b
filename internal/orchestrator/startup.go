package orchestrator

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/MyAirVault/BruhMCP-sub018/internal/proc"
)

// Startup validation stages, in order. A worker is considered started only
// after the full ladder: the OS process exists, its port accepts connections,
// and the protocol handshake answers.
type startupStage int

const (
	stageSpawned startupStage = iota
	stagePortBound
	stageConnectable
	stageProtocolReady
)

func (s startupStage) String() string {
	switch s {
	case stageSpawned:
		return "spawned"
	case stagePortBound:
		return "port-bound"
	case stageConnectable:
		return "connectable"
	case stageProtocolReady:
		return "protocol-ready"
	default:
		return "unknown"
	}
}

// validateStartup polls the worker through the stage ladder until it is
// protocol-ready, the process dies, or the startup timeout lapses. The caller
// owns cleanup of the handle and port on error.
func (o *Orchestrator) validateStartup(ctx context.Context, h *proc.Handle, port int) error {
	deadline := time.Now().Add(o.cfg.StartupTimeout)
	vctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	stage := stageSpawned
	for {
		if h.Exited() {
			err := h.ExitErr()
			o.log.Warn("worker died during startup", "stage", stage.String(), "error", err)
			return fmt.Errorf("%w (stage %s): %v", ErrProcessCrashed, stage, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w (stuck at stage %s)", ErrStartupTimeout, stage)
		}

		advanced := false
		switch stage {
		case stageSpawned:
			if portTaken(port) {
				stage = stagePortBound
				advanced = true
			}
		case stagePortBound:
			if o.prober.Liveness(vctx, port) == nil {
				stage = stageConnectable
				advanced = true
			}
		case stageConnectable:
			if o.prober.Readiness(vctx, port) == nil {
				stage = stageProtocolReady
				advanced = true
			}
		case stageProtocolReady:
			return nil
		}
		if advanced {
			continue
		}
		select {
		case <-time.After(o.cfg.StartupPollInterval):
		case <-h.Done():
			// loop once more; the Exited branch reports the crash
		case <-vctx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w (stuck at stage %s)", ErrStartupTimeout, stage)
		}
	}
}

// portTaken reports whether something holds the port. The orchestrator cannot
// bind it itself once the child has, so a failed listen means progress.
func portTaken(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return true
	}
	_ = l.Close()
	return false
}
