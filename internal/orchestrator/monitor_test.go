package orchestrator

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
)

func TestMonitorGivesUpOnUnresponsiveWorker(t *testing.T) {
	e := newEnv(t, func(c *Config) {
		c.HealthInterval = 150 * time.Millisecond
		c.MaxHealthFailures = 2
	})
	rec, err := e.orch.Activate(context.Background(), e.activateReq("inst-1"))
	require.NoError(t, err)

	failed := make(chan string, 1)
	e.orch.OnFailure(func(id string) { failed <- id })

	// freeze the worker: the process stays alive but stops answering pings
	require.NoError(t, syscall.Kill(rec.PID, syscall.SIGSTOP))
	t.Cleanup(func() { _ = syscall.Kill(rec.PID, syscall.SIGCONT) })

	select {
	case id := <-failed:
		assert.Equal(t, "inst-1", id)
	case <-time.After(10 * time.Second):
		t.Fatal("monitor never gave up on the frozen worker")
	}

	meta, err := e.registry.Load(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, meta.Status)

	// the record survives until the process actually exits or is deactivated;
	// failure notification is about supervision, not cleanup
	rec2, ok := e.orch.GetProcessInfo("inst-1")
	assert.True(t, ok)
	assert.GreaterOrEqual(t, rec2.ConsecutiveFailures, 2)
}

func TestMonitorTracksLastHealthCheck(t *testing.T) {
	e := newEnv(t, func(c *Config) {
		c.HealthInterval = 100 * time.Millisecond
	})
	_, err := e.orch.Activate(context.Background(), e.activateReq("inst-1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rec, ok := e.orch.GetProcessInfo("inst-1")
		return ok && !rec.LastHealthCheckAt.IsZero() && rec.ConsecutiveFailures == 0
	}, 5*time.Second, 50*time.Millisecond)
}
