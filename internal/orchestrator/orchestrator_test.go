package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MyAirVault/BruhMCP-sub018/internal/credential"
	"github.com/MyAirVault/BruhMCP-sub018/internal/protocol"
	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
	"github.com/MyAirVault/BruhMCP-sub018/internal/workerd"
)

// TestHelperWorker is not a test: it is the worker body for spawned
// processes. The orchestrator re-executes the test binary with the spawn
// environment set, which routes execution here.
func TestHelperWorker(t *testing.T) {
	if os.Getenv(protocol.EnvInstanceID) == "" {
		t.Skip("worker process entry point")
	}
	cfg, err := workerd.ConfigFromEnv()
	if err != nil {
		t.Fatalf("worker env: %v", err)
	}
	_ = workerd.New(cfg, nil, nil).Run(context.Background())
}

func workerCommand() string {
	return fmt.Sprintf("%s -test.run=TestHelperWorker", os.Args[0])
}

type env struct {
	creds    *store.MemoryCredentialStore
	registry *store.MemoryInstanceRegistry
	cache    *credential.Cache
	orch     *Orchestrator
}

func newEnv(t *testing.T, mutate func(*Config)) *env {
	t.Helper()
	e := &env{
		creds:    store.NewMemoryCredentialStore(),
		registry: store.NewMemoryInstanceRegistry(),
	}
	e.cache = credential.NewCache(e.creds, 0)
	cfg := Config{
		PortRangeLo:         49600,
		PortRangeHi:         49700,
		WorkerCommand:       workerCommand(),
		StartupTimeout:      15 * time.Second,
		StartupPollInterval: 50 * time.Millisecond,
		StopGrace:           3 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	orch, err := New(cfg, e.cache, e.registry, nil, nil)
	require.NoError(t, err)
	e.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return e
}

func (e *env) activateReq(id string) ActivateRequest {
	return ActivateRequest{
		InstanceID:  id,
		ServiceType: "slack",
		OwnerID:     "tenant-1",
		Credential: &store.Credential{
			ServiceType: "slack",
			AccessToken: "tok-" + id,
			ExpiresAt:   time.Now().Add(time.Hour),
		},
	}
}

func TestActivateSpawnsValidatedWorker(t *testing.T) {
	e := newEnv(t, nil)
	rec, err := e.orch.Activate(context.Background(), e.activateReq("inst-1"))
	require.NoError(t, err)

	assert.Equal(t, "inst-1", rec.InstanceID)
	assert.Positive(t, rec.PID)
	assert.GreaterOrEqual(t, rec.Port, 49600)
	assert.Less(t, rec.Port, 49700)

	meta, err := e.registry.Load(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, meta.Status)
	assert.Equal(t, rec.Port, meta.AssignedPort)
	assert.Equal(t, rec.PID, meta.ProcessID)

	// the worker answers real health probes
	health := e.orch.HealthCheckAll(context.Background())
	require.Len(t, health, 1)
	assert.True(t, health[0].Healthy, "ping failed: %s", health[0].Error)
}

func TestActivateTwiceFails(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.orch.Activate(context.Background(), e.activateReq("inst-1"))
	require.NoError(t, err)

	_, err = e.orch.Activate(context.Background(), e.activateReq("inst-1"))
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestActivateWithoutCredential(t *testing.T) {
	e := newEnv(t, nil)
	req := e.activateReq("inst-1")
	req.Credential = nil
	_, err := e.orch.Activate(context.Background(), req)
	require.ErrorIs(t, err, ErrCredentialMissing)
	_, ok := e.orch.GetProcessInfo("inst-1")
	assert.False(t, ok)
}

func TestConcurrentActivationsGetDistinctPorts(t *testing.T) {
	e := newEnv(t, nil)
	const n = 4
	recs := make([]ProcessRecord, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i], errs[i] = e.orch.Activate(context.Background(),
				e.activateReq(fmt.Sprintf("inst-%d", i)))
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[recs[i].Port], "port %d assigned twice", recs[i].Port)
		seen[recs[i].Port] = true
	}
	assert.Len(t, e.orch.Records(), n)
}

func TestDeactivateStopsAndCleansUp(t *testing.T) {
	e := newEnv(t, nil)
	rec, err := e.orch.Activate(context.Background(), e.activateReq("inst-1"))
	require.NoError(t, err)

	var exits []string
	var mu sync.Mutex
	e.orch.OnProcessExit(func(id string) {
		mu.Lock()
		exits = append(exits, id)
		mu.Unlock()
	})

	existed, err := e.orch.Deactivate(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.True(t, existed)

	_, ok := e.orch.GetProcessInfo("inst-1")
	assert.False(t, ok)

	meta, err := e.registry.Load(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusInactive, meta.Status, "requested stop is not a failure")
	assert.Zero(t, meta.ProcessID)
	assert.Zero(t, meta.AssignedPort)

	mu.Lock()
	assert.Equal(t, []string{"inst-1"}, exits)
	mu.Unlock()

	// the port is reusable immediately
	rec2, err := e.orch.Activate(context.Background(), e.activateReq("inst-2"))
	require.NoError(t, err)
	_ = rec
	_ = rec2

	existed, err = e.orch.Deactivate(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestCrashBeforeReadyCleansUp(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.WorkerCommand = "false" })
	_, err := e.orch.Activate(context.Background(), e.activateReq("inst-1"))
	require.ErrorIs(t, err, ErrProcessCrashed)

	_, ok := e.orch.GetProcessInfo("inst-1")
	assert.False(t, ok, "failed activation must not leave a record")

	meta, err := e.registry.Load(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, meta.Status)

	// no port reservation survives
	for p, owner := range e.orch.alloc.Reserved() {
		assert.NotEqual(t, "inst-1", owner, "port %d leaked", p)
	}
}

func TestStartupTimeoutKillsWorker(t *testing.T) {
	e := newEnv(t, func(c *Config) {
		c.WorkerCommand = "sleep 60" // never binds its port
		c.StartupTimeout = 600 * time.Millisecond
	})
	_, err := e.orch.Activate(context.Background(), e.activateReq("inst-1"))
	require.ErrorIs(t, err, ErrStartupTimeout)

	_, ok := e.orch.GetProcessInfo("inst-1")
	assert.False(t, ok)
	for p, owner := range e.orch.alloc.Reserved() {
		assert.NotEqual(t, "inst-1", owner, "port %d leaked", p)
	}
}

func TestExternallyKilledWorkerDetected(t *testing.T) {
	e := newEnv(t, nil)
	rec, err := e.orch.Activate(context.Background(), e.activateReq("inst-1"))
	require.NoError(t, err)

	exited := make(chan string, 1)
	e.orch.OnProcessExit(func(id string) { exited <- id })

	require.NoError(t, syscall.Kill(rec.PID, syscall.SIGKILL))

	select {
	case id := <-exited:
		assert.Equal(t, "inst-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("external kill never observed")
	}

	assert.Eventually(t, func() bool {
		_, ok := e.orch.GetProcessInfo("inst-1")
		return !ok
	}, 5*time.Second, 50*time.Millisecond)

	meta, err := e.registry.Load(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, meta.Status, "unrequested exit is a failure")
}

func TestCallbackFanout(t *testing.T) {
	e := newEnv(t, nil)
	var got []string
	e.orch.OnProcessExit(func(id string) { got = append(got, "exit-a:"+id) })
	e.orch.OnProcessExit(func(id string) { got = append(got, "exit-b:"+id) })
	e.orch.OnFailure(func(id string) { got = append(got, "fail:"+id) })

	e.orch.notifyExit("inst-1")
	e.orch.notifyFailure("inst-1")
	assert.Equal(t, []string{"exit-a:inst-1", "exit-b:inst-1", "fail:inst-1"}, got)
}

func TestReactivateAfterExit(t *testing.T) {
	e := newEnv(t, nil)
	rec1, err := e.orch.Activate(context.Background(), e.activateReq("inst-1"))
	require.NoError(t, err)

	_, err = e.orch.Deactivate(context.Background(), "inst-1")
	require.NoError(t, err)

	rec2, err := e.orch.Activate(context.Background(), e.activateReq("inst-1"))
	require.NoError(t, err)
	assert.NotEqual(t, rec1.PID, rec2.PID)
}
