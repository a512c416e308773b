package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAndStopGraceful(t *testing.T) {
	h, err := Start(Spec{InstanceID: "i1", Command: "sleep 30"})
	require.NoError(t, err)
	assert.Positive(t, h.PID())
	assert.True(t, h.Alive())
	assert.False(t, h.Exited())

	start := time.Now()
	_ = h.Stop(5 * time.Second)
	assert.Less(t, time.Since(start), 3*time.Second, "sleep honors SIGTERM")
	assert.True(t, h.Exited())
	assert.True(t, h.StopRequested())
	assert.False(t, h.Alive())
}

func TestStopEscalatesToKill(t *testing.T) {
	// traps TERM so only KILL ends it; touches the ready file after the trap
	// is installed so Stop cannot race the shell's startup
	ready := filepath.Join(t.TempDir(), "ready")
	cmd := fmt.Sprintf(`exec sh -c 'trap "" TERM; : > %s; while true; do sleep 1; done'`, ready)
	h, err := Start(Spec{InstanceID: "i2", Command: cmd})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, serr := os.Stat(ready)
		return serr == nil
	}, 5*time.Second, 10*time.Millisecond, "trap never installed")

	start := time.Now()
	_ = h.Stop(300 * time.Millisecond)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
	assert.True(t, h.Exited())
}

func TestCrashObservedThroughDone(t *testing.T) {
	h, err := Start(Spec{InstanceID: "i3", Command: "false"})
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("exit never observed")
	}
	assert.True(t, h.Exited())
	assert.Error(t, h.ExitErr())
	assert.False(t, h.StopRequested(), "crash is not a requested stop")
}

func TestCleanExitHasNoError(t *testing.T) {
	h, err := Start(Spec{InstanceID: "i4", Command: "true"})
	require.NoError(t, err)
	<-h.Done()
	assert.NoError(t, h.ExitErr())
}

func TestStartFailsForMissingBinary(t *testing.T) {
	_, err := Start(Spec{InstanceID: "i5", Command: "/no/such/binary-xyz"})
	require.Error(t, err)
}

func TestEnvReachesChild(t *testing.T) {
	h, err := Start(Spec{
		InstanceID: "i6",
		Command:    `sh -c 'test "$MARKER" = yes'`,
		Env:        []string{"MARKER=yes"},
	})
	require.NoError(t, err)
	<-h.Done()
	assert.NoError(t, h.ExitErr())
}

func TestAlivePID(t *testing.T) {
	h, err := Start(Spec{InstanceID: "i7", Command: "sleep 10"})
	require.NoError(t, err)
	pid := h.PID()
	assert.True(t, AlivePID(pid))
	_ = h.Kill()
	// after the reap the pid is gone (no zombie window: Wait has returned)
	assert.Eventually(t, func() bool { return !AlivePID(pid) }, 2*time.Second, 50*time.Millisecond)
	assert.False(t, AlivePID(0))
	assert.False(t, AlivePID(-1))
}

func TestBuildCommandShellDetection(t *testing.T) {
	plain := Spec{Command: "sleep 1"}
	cmd := plain.buildCommand()
	assert.NotContains(t, cmd.Path, "sh")

	piped := Spec{Command: "echo hi | cat"}
	cmd = piped.buildCommand()
	assert.Equal(t, "/bin/sh", cmd.Path)
}
