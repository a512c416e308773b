package orchestrator

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
)

func TestReconcileScrubsDeadProcessRow(t *testing.T) {
	e := newEnv(t, nil)
	// a row left behind by a previous run, pointing at a pid that is gone
	require.NoError(t, e.registry.Save(context.Background(), store.InstanceMeta{
		ID:           "stale",
		ServiceType:  "slack",
		Status:       store.StatusActive,
		AssignedPort: 49650,
		ProcessID:    999999,
	}))

	sum, err := e.orch.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Checked)
	assert.Equal(t, 1, sum.Repaired)

	meta, err := e.registry.Load(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, meta.Status)
	assert.Zero(t, meta.ProcessID)
	assert.Zero(t, meta.AssignedPort)
}

func TestReconcileMarksActiveRowWithoutProcessInactive(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.registry.Save(context.Background(), store.InstanceMeta{
		ID:          "ghost",
		ServiceType: "github",
		Status:      store.StatusActive,
	}))

	sum, err := e.orch.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Repaired)

	meta, err := e.registry.Load(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, store.StatusInactive, meta.Status)
}

func TestReconcileLeavesOrphanAloneButGuardsPort(t *testing.T) {
	e := newEnv(t, nil)
	// a real process the orchestrator did not spawn this run
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	require.NoError(t, e.registry.Save(context.Background(), store.InstanceMeta{
		ID:           "orphan",
		ServiceType:  "drive",
		Status:       store.StatusActive,
		AssignedPort: 49660,
		ProcessID:    cmd.Process.Pid,
	}))

	sum, err := e.orch.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Orphans)

	meta, err := e.registry.Load(context.Background(), "orphan")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, meta.Status, "orphans are reported, not scrubbed")
	assert.Equal(t, "registry", e.orch.alloc.Reserved()[49660])
}

func TestReconcileRepairsDriftedRowForLiveWorker(t *testing.T) {
	e := newEnv(t, nil)
	rec, err := e.orch.Activate(context.Background(), e.activateReq("inst-1"))
	require.NoError(t, err)

	// simulate registry drift behind the live record
	require.NoError(t, e.registry.UpdateProcess(context.Background(), "inst-1", 0, 0))
	require.NoError(t, e.registry.UpdateStatus(context.Background(), "inst-1", store.StatusPending))

	sum, err := e.orch.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Repaired)

	meta, err := e.registry.Load(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, meta.Status)
	assert.Equal(t, rec.Port, meta.AssignedPort)
	assert.Equal(t, rec.PID, meta.ProcessID)
}

func TestReconcileMarksLapsedInstanceExpired(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.registry.Save(context.Background(), store.InstanceMeta{
		ID:          "lapsed",
		ServiceType: "github",
		Status:      store.StatusInactive,
		ExpiresAt:   time.Now().Add(-time.Minute),
	}))
	require.NoError(t, e.registry.Save(context.Background(), store.InstanceMeta{
		ID:          "open-ended",
		ServiceType: "github",
		Status:      store.StatusInactive,
	}))

	sum, err := e.orch.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Expired)

	meta, err := e.registry.Load(context.Background(), "lapsed")
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, meta.Status)

	meta, err = e.registry.Load(context.Background(), "open-ended")
	require.NoError(t, err)
	assert.Equal(t, store.StatusInactive, meta.Status, "zero ExpiresAt never lapses")
}

func TestReconcileStopsWorkerOfLapsedInstance(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.orch.Activate(context.Background(), e.activateReq("inst-1"))
	require.NoError(t, err)

	meta, err := e.registry.Load(context.Background(), "inst-1")
	require.NoError(t, err)
	meta.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, e.registry.Save(context.Background(), meta))

	sum, err := e.orch.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Expired)

	_, ok := e.orch.GetProcessInfo("inst-1")
	assert.False(t, ok, "lapsed instance's worker stopped")
	meta, err = e.registry.Load(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, meta.Status)
}

func TestReconcilerLoopStartsAndStops(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.ReconcileInterval = 20 * time.Millisecond })
	require.NoError(t, e.registry.Save(context.Background(), store.InstanceMeta{
		ID:          "ghost",
		ServiceType: "slack",
		Status:      store.StatusActive,
	}))

	e.orch.StartReconciler()
	defer e.orch.StopReconciler()

	assert.Eventually(t, func() bool {
		meta, err := e.registry.Load(context.Background(), "ghost")
		return err == nil && meta.Status == store.StatusInactive
	}, 2*time.Second, 20*time.Millisecond)
}
