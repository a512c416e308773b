package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/MyAirVault/BruhMCP-sub018/internal/audit"
	"github.com/MyAirVault/BruhMCP-sub018/internal/metrics"
	"github.com/MyAirVault/BruhMCP-sub018/internal/proc"
	"github.com/MyAirVault/BruhMCP-sub018/internal/protocol"
	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
)

type ctrlType int

const (
	ctrlActivate ctrlType = iota
	ctrlDeactivate
	ctrlExited
	ctrlShutdown
)

type ctrlMsg struct {
	typ    ctrlType
	ctx    context.Context
	req    ActivateRequest
	handle *proc.Handle // ctrlExited: which spawn generation exited
	reply  chan ctrlResult
}

type ctrlResult struct {
	rec     *ProcessRecord
	existed bool
	err     error
}

// handler serializes all lifecycle operations for one instance. Activation,
// deactivation and exit observation go through the ctrl channel, so there is
// never a concurrent spawn/stop race on the same instance.
type handler struct {
	o    *Orchestrator
	id   string
	ctrl chan ctrlMsg

	// mutable state, owned by run() but snapshotted by record() and touched
	// by the monitor goroutine under mu
	mu                  sync.Mutex
	serviceType         string
	handle              *proc.Handle
	port                int
	startedAt           time.Time
	lastHealthCheckAt   time.Time
	consecutiveFailures int
	monitorCancel       context.CancelFunc
}

func newHandler(o *Orchestrator, instanceID string) *handler {
	return &handler{
		o:    o,
		id:   instanceID,
		ctrl: make(chan ctrlMsg, 8),
	}
}

func (h *handler) run() {
	for msg := range h.ctrl {
		switch msg.typ {
		case ctrlActivate:
			rec, err := h.activate(msg.ctx, msg.req)
			msg.reply <- ctrlResult{rec: rec, err: err}
		case ctrlDeactivate:
			existed := h.deactivate()
			msg.reply <- ctrlResult{existed: existed}
		case ctrlExited:
			h.finishExit(msg.handle)
		case ctrlShutdown:
			h.deactivate()
			msg.reply <- ctrlResult{}
			return
		}
	}
}

// record snapshots the handler's ProcessRecord. ok is false when no worker is
// running.
func (h *handler) record() (ProcessRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handle == nil {
		return ProcessRecord{}, false
	}
	return ProcessRecord{
		InstanceID:          h.id,
		ServiceType:         h.serviceType,
		PID:                 h.handle.PID(),
		Port:                h.port,
		StartedAt:           h.startedAt,
		LastHealthCheckAt:   h.lastHealthCheckAt,
		ConsecutiveFailures: h.consecutiveFailures,
	}, true
}

func (h *handler) running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handle != nil
}

// activate implements the full spawn sequence: credential resolution, port
// reservation, process start, startup validation, registry update, monitor
// launch. Every failure path undoes its own partial work.
func (h *handler) activate(ctx context.Context, req ActivateRequest) (*ProcessRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	o := h.o
	if h.running() {
		return nil, ErrAlreadyRunning
	}

	cred, err := h.resolveCredential(ctx, req)
	if err != nil {
		return nil, err
	}

	port, err := o.alloc.Reserve(h.id)
	if err != nil {
		return nil, err
	}

	if err := h.ensureRegistered(ctx, req); err != nil {
		o.alloc.Release(h.id, port)
		return nil, err
	}

	env := append([]string(nil), req.Env...)
	env = append(env, spawnEnv(h.id, req.ServiceType, port, cred)...)
	handle, err := proc.Start(proc.Spec{
		InstanceID:  h.id,
		ServiceType: req.ServiceType,
		Command:     o.cfg.WorkerCommand,
		WorkDir:     o.cfg.WorkDir,
		Env:         env,
		Log:         o.cfg.Log,
	})
	if err != nil {
		o.alloc.Release(h.id, port)
		h.markFailed(ctx, req.ServiceType, fmt.Sprintf("spawn: %v", err))
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	spawnedAt := time.Now()
	if err := o.validateStartup(ctx, handle, port); err != nil {
		_ = handle.Kill()
		o.alloc.Release(h.id, port)
		h.markFailed(ctx, req.ServiceType, err.Error())
		return nil, err
	}
	metrics.ObserveStartupDuration(req.ServiceType, time.Since(spawnedAt).Seconds())

	mctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.serviceType = req.ServiceType
	h.handle = handle
	h.port = port
	h.startedAt = handle.StartedAt()
	h.lastHealthCheckAt = time.Time{}
	h.consecutiveFailures = 0
	h.monitorCancel = cancel
	h.mu.Unlock()

	pid := handle.PID()
	if err := o.registry.UpdateProcess(ctx, h.id, port, pid); err != nil {
		o.log.Warn("record assigned process", "instance", h.id, "error", err)
	}
	if err := o.registry.UpdateStatus(ctx, h.id, store.StatusActive); err != nil {
		o.log.Warn("mark instance active", "instance", h.id, "error", err)
	}

	metrics.IncWorkerStart(req.ServiceType)
	metrics.SetRunningWorkers(req.ServiceType, o.countRunning(req.ServiceType))
	audit.Emit(ctx, o.sinks, audit.New(audit.EventActivated, h.id, req.ServiceType,
		fmt.Sprintf("pid=%d port=%d", pid, port)))
	o.log.Info("worker activated", "instance", h.id, "service", req.ServiceType,
		"pid", pid, "port", port)

	// Exit watcher: whatever kills the process, the ctrl channel hears of it.
	go func() {
		<-handle.Done()
		h.ctrl <- ctrlMsg{typ: ctrlExited, handle: handle}
	}()
	go h.monitor(mctx, handle, port, req.ServiceType)

	rec, _ := h.record()
	return &rec, nil
}

// resolveCredential saves an inline credential if provided, then pulls through
// the cache. Activation without any credential on record is refused.
func (h *handler) resolveCredential(ctx context.Context, req ActivateRequest) (store.Credential, error) {
	o := h.o
	if req.Credential != nil {
		cred := *req.Credential
		cred.InstanceID = h.id
		if cred.ServiceType == "" {
			cred.ServiceType = req.ServiceType
		}
		cred.UpdatedAt = time.Now().UTC()
		if err := o.cache.Backing().Save(ctx, cred); err != nil {
			return store.Credential{}, fmt.Errorf("save credential: %w", err)
		}
		o.cache.Set(h.id, cred)
		return cred, nil
	}
	entry, ok, err := o.cache.Get(ctx, h.id)
	if err != nil {
		return store.Credential{}, fmt.Errorf("load credential: %w", err)
	}
	if !ok {
		return store.Credential{}, ErrCredentialMissing
	}
	return entry.Credential, nil
}

// ensureRegistered makes sure an InstanceMeta row exists before the process
// record references it.
func (h *handler) ensureRegistered(ctx context.Context, req ActivateRequest) error {
	o := h.o
	_, err := o.registry.Load(ctx, h.id)
	if err == store.ErrNotFound {
		return o.registry.Save(ctx, store.InstanceMeta{
			ID:          h.id,
			ServiceType: req.ServiceType,
			OwnerID:     req.OwnerID,
			Status:      store.StatusPending,
			UpdatedAt:   time.Now().UTC(),
		})
	}
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	return nil
}

func (h *handler) markFailed(ctx context.Context, service, detail string) {
	o := h.o
	if err := o.registry.UpdateStatus(ctx, h.id, store.StatusFailed); err != nil && err != store.ErrNotFound {
		o.log.Warn("mark instance failed", "instance", h.id, "error", err)
	}
	audit.Emit(ctx, o.sinks, audit.New(audit.EventStartupFailed, h.id, service, detail))
	o.log.Warn("worker activation failed", "instance", h.id, "service", service, "detail", detail)
}

// deactivate stops the worker if one is running: SIGTERM, the configured
// grace period, then SIGKILL.
func (h *handler) deactivate() bool {
	h.mu.Lock()
	handle := h.handle
	service := h.serviceType
	h.mu.Unlock()
	if handle == nil {
		return false
	}
	_ = handle.Stop(h.o.cfg.StopGrace)
	// Stop returns after the reap, so the exit bookkeeping can run inline;
	// the watcher's ctrlExited for the same handle becomes a no-op.
	h.finishExit(handle)
	audit.Emit(context.Background(), h.o.sinks,
		audit.New(audit.EventDeactivated, h.id, service, ""))
	return true
}

// finishExit clears the in-memory record, releases the port and repairs the
// registry. Idempotent per spawn generation: only the handle currently on
// record is acted upon.
func (h *handler) finishExit(handle *proc.Handle) {
	h.mu.Lock()
	if h.handle != handle {
		h.mu.Unlock()
		return
	}
	service := h.serviceType
	port := h.port
	cancel := h.monitorCancel
	h.handle = nil
	h.port = 0
	h.monitorCancel = nil
	h.consecutiveFailures = 0
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o := h.o
	o.alloc.Release(h.id, port)

	requested := handle.StopRequested()
	status := store.StatusInactive
	if !requested {
		status = store.StatusFailed
	}
	ctx := context.Background()
	if err := o.registry.UpdateProcess(ctx, h.id, 0, 0); err != nil && err != store.ErrNotFound {
		o.log.Warn("clear assigned process", "instance", h.id, "error", err)
	}
	if err := o.registry.UpdateStatus(ctx, h.id, status); err != nil && err != store.ErrNotFound {
		o.log.Warn("update instance status", "instance", h.id, "error", err)
	}
	if !requested {
		detail := ""
		if exitErr := handle.ExitErr(); exitErr != nil {
			detail = exitErr.Error()
		}
		audit.Emit(ctx, o.sinks, audit.New(audit.EventProcessFailed, h.id, service, detail))
		o.log.Warn("worker exited unexpectedly", "instance", h.id, "service", service,
			"pid", handle.PID(), "error", handle.ExitErr())
	} else {
		o.log.Info("worker stopped", "instance", h.id, "service", service, "pid", handle.PID())
	}

	metrics.IncWorkerStop(service)
	metrics.SetRunningWorkers(service, o.countRunning(service))
	o.notifyExit(h.id)
}

// monitor pings the worker on the health interval. After MaxHealthFailures
// consecutive failures the instance is marked failed and monitoring stops;
// the exit watcher still owns record cleanup when the process dies.
func (h *handler) monitor(ctx context.Context, handle *proc.Handle, port int, service string) {
	o := h.o
	t := time.NewTicker(o.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-handle.Done():
			return
		case <-t.C:
		}
		pctx, cancel := context.WithTimeout(ctx, o.cfg.HealthInterval/2)
		err := o.prober.Ping(pctx, port)
		cancel()
		metrics.IncHealthCheck(service, err == nil)

		h.mu.Lock()
		if h.handle != handle {
			h.mu.Unlock()
			return
		}
		h.lastHealthCheckAt = time.Now()
		if err == nil {
			h.consecutiveFailures = 0
			h.mu.Unlock()
			continue
		}
		h.consecutiveFailures++
		failures := h.consecutiveFailures
		h.mu.Unlock()

		o.log.Warn("health check failed", "instance", h.id, "service", service,
			"failures", failures, "error", err)
		if failures >= o.cfg.MaxHealthFailures {
			if uerr := o.registry.UpdateStatus(ctx, h.id, store.StatusFailed); uerr != nil && uerr != store.ErrNotFound {
				o.log.Warn("mark instance failed", "instance", h.id, "error", uerr)
			}
			audit.Emit(ctx, o.sinks, audit.New(audit.EventProcessFailed, h.id, service,
				fmt.Sprintf("unresponsive after %d health checks: %v", failures, err)))
			o.notifyFailure(h.id)
			return
		}
	}
}

// countRunning tallies live workers for one service type.
func (o *Orchestrator) countRunning(service string) int {
	n := 0
	for _, rec := range o.Records() {
		if rec.ServiceType == service {
			n++
		}
	}
	return n
}

// spawnEnv builds the environment block handed to a worker process.
func spawnEnv(instanceID, service string, port int, cred store.Credential) []string {
	handle, _ := json.Marshal(protocol.CredentialHandle{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    cred.ExpiresAt,
	})
	return []string{
		protocol.EnvInstanceID + "=" + instanceID,
		protocol.EnvServiceType + "=" + service,
		protocol.EnvPort + "=" + fmt.Sprintf("%d", port),
		protocol.EnvCredential + "=" + string(handle),
	}
}
