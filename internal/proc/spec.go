package proc

import (
	"os/exec"
	"strings"

	"github.com/MyAirVault/BruhMCP-sub018/internal/logger"
)

// Spec describes one worker process to be spawned.
type Spec struct {
	InstanceID  string                 `json:"instance_id"`
	ServiceType string                 `json:"service_type"`
	Command     string                 `json:"command"`  // worker invocation, e.g. "bruhmcpd worker"
	WorkDir     string                 `json:"work_dir"` // optional working dir
	Env         []string               `json:"env"`      // extra env (instance id, port, credential handle)
	Log         logger.WorkerLogConfig `json:"log"`
}

// buildCommand constructs an *exec.Cmd for the spec's Command. It avoids
// invoking a shell when not necessary; commands containing shell
// metacharacters run under /bin/sh -c.
func (s *Spec) buildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}
