package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MyAirVault/BruhMCP-sub018/internal/audit"
	"github.com/MyAirVault/BruhMCP-sub018/internal/credential"
	"github.com/MyAirVault/BruhMCP-sub018/internal/logger"
	"github.com/MyAirVault/BruhMCP-sub018/internal/metrics"
	"github.com/MyAirVault/BruhMCP-sub018/internal/ports"
	"github.com/MyAirVault/BruhMCP-sub018/internal/probe"
	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
)

// ProcessRecord is the externally visible snapshot of one running worker.
type ProcessRecord struct {
	InstanceID          string    `json:"instance_id"`
	ServiceType         string    `json:"service_type"`
	PID                 int       `json:"pid"`
	Port                int       `json:"port"`
	StartedAt           time.Time `json:"started_at"`
	LastHealthCheckAt   time.Time `json:"last_health_check_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// InstanceHealth is one result of HealthCheckAll.
type InstanceHealth struct {
	InstanceID  string    `json:"instance_id"`
	ServiceType string    `json:"service_type"`
	Healthy     bool      `json:"healthy"`
	Error       string    `json:"error,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}

// ActivateRequest carries everything needed to bring up one instance.
// Credential, when set, is saved to the store before activation (the OAuth
// callback path); otherwise the credential must already be on record.
type ActivateRequest struct {
	InstanceID  string            `json:"instance_id"`
	ServiceType string            `json:"service_type"`
	OwnerID     string            `json:"owner_id"`
	Credential  *store.Credential `json:"credential,omitempty"`
	Env         []string          `json:"env,omitempty"`
}

// Config holds orchestrator tuning. Zero values fall back to defaults.
type Config struct {
	PortRangeLo         int                    `mapstructure:"port_range_lo"`
	PortRangeHi         int                    `mapstructure:"port_range_hi"`
	WorkerCommand       string                 `mapstructure:"worker_command"`
	WorkDir             string                 `mapstructure:"work_dir"`
	Log                 logger.WorkerLogConfig `mapstructure:"log"`
	StartupTimeout      time.Duration          `mapstructure:"startup_timeout"`
	StartupPollInterval time.Duration          `mapstructure:"startup_poll_interval"`
	StopGrace           time.Duration          `mapstructure:"stop_grace"`
	HealthInterval      time.Duration          `mapstructure:"health_interval"`
	MaxHealthFailures   int                    `mapstructure:"max_health_failures"`
	HealthParallelism   int                    `mapstructure:"health_parallelism"`
	ReconcileInterval   time.Duration          `mapstructure:"reconcile_interval"`
}

func (c Config) withDefaults() Config {
	if c.PortRangeLo <= 0 {
		c.PortRangeLo = 49000
	}
	if c.PortRangeHi <= c.PortRangeLo {
		c.PortRangeHi = 50000
	}
	if c.WorkerCommand == "" {
		c.WorkerCommand = "bruhmcpd worker"
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.StartupPollInterval <= 0 {
		c.StartupPollInterval = 200 * time.Millisecond
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 60 * time.Second
	}
	if c.MaxHealthFailures <= 0 {
		c.MaxHealthFailures = 3
	}
	if c.HealthParallelism <= 0 {
		c.HealthParallelism = 8
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
	return c
}

// Orchestrator owns the table of running worker processes. Operations on the
// same instance are serialized through a per-instance handler goroutine;
// distinct instances proceed fully in parallel.
type Orchestrator struct {
	cfg      Config
	cache    *credential.Cache
	registry store.InstanceRegistry
	prober   probe.Prober
	alloc    *ports.Allocator
	sinks    []audit.Sink
	log      *slog.Logger

	mu      sync.RWMutex
	entries map[string]*handler

	cbMu      sync.RWMutex
	onExit    []func(instanceID string)
	onFailure []func(instanceID string)

	reconStop chan struct{}
}

func New(cfg Config, cache *credential.Cache, registry store.InstanceRegistry,
	sinks []audit.Sink, log *slog.Logger) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	alloc, err := ports.NewAllocator(cfg.PortRangeLo, cfg.PortRangeHi)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:      cfg,
		cache:    cache,
		registry: registry,
		prober:   probe.New(),
		alloc:    alloc,
		sinks:    sinks,
		log:      log,
		entries:  make(map[string]*handler),
	}
	// Cold start: ports the registry believes assigned stay off-limits until
	// the reconciler has cross-checked them against reality.
	if used, err := registry.ActivePorts(context.Background()); err == nil {
		o.alloc.MarkUsed("registry", used...)
	}
	return o, nil
}

// OnProcessExit registers a callback fired after a worker's ProcessRecord is
// cleared, whatever the exit reason. The session registry subscribes here.
func (o *Orchestrator) OnProcessExit(fn func(instanceID string)) {
	o.cbMu.Lock()
	o.onExit = append(o.onExit, fn)
	o.cbMu.Unlock()
}

// OnFailure registers a callback fired when continuous monitoring gives up on
// an instance. Restart policy is the subscriber's concern.
func (o *Orchestrator) OnFailure(fn func(instanceID string)) {
	o.cbMu.Lock()
	o.onFailure = append(o.onFailure, fn)
	o.cbMu.Unlock()
}

func (o *Orchestrator) notifyExit(id string) {
	o.cbMu.RLock()
	cbs := append([]func(string){}, o.onExit...)
	o.cbMu.RUnlock()
	for _, fn := range cbs {
		fn(id)
	}
}

func (o *Orchestrator) notifyFailure(id string) {
	o.cbMu.RLock()
	cbs := append([]func(string){}, o.onFailure...)
	o.cbMu.RUnlock()
	for _, fn := range cbs {
		fn(id)
	}
}

// Activate spawns a worker for the instance and returns once startup
// validation succeeds. It fails with ErrAlreadyRunning when a ProcessRecord
// already exists.
func (o *Orchestrator) Activate(ctx context.Context, req ActivateRequest) (ProcessRecord, error) {
	if req.InstanceID == "" || req.ServiceType == "" {
		return ProcessRecord{}, fmt.Errorf("instance id and service type required")
	}
	h := o.ensureHandler(req.InstanceID)
	reply := make(chan ctrlResult, 1)
	select {
	case h.ctrl <- ctrlMsg{typ: ctrlActivate, ctx: ctx, req: req, reply: reply}:
	case <-ctx.Done():
		return ProcessRecord{}, ctx.Err()
	}
	select {
	case res := <-reply:
		if res.err != nil {
			metrics.IncActivationFailure(req.ServiceType, ErrKind(res.err))
			return ProcessRecord{}, res.err
		}
		return *res.rec, nil
	case <-ctx.Done():
		return ProcessRecord{}, ctx.Err()
	}
}

// Deactivate gracefully terminates the instance's worker, escalating to a
// forced kill after the grace period. It returns whether a process existed.
func (o *Orchestrator) Deactivate(ctx context.Context, instanceID string) (bool, error) {
	o.mu.RLock()
	h := o.entries[instanceID]
	o.mu.RUnlock()
	if h == nil {
		return false, nil
	}
	reply := make(chan ctrlResult, 1)
	select {
	case h.ctrl <- ctrlMsg{typ: ctrlDeactivate, reply: reply}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.existed, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// GetProcessInfo returns the ProcessRecord for the instance, if any.
// It never fails; absence is reported through the bool.
func (o *Orchestrator) GetProcessInfo(instanceID string) (ProcessRecord, bool) {
	o.mu.RLock()
	h := o.entries[instanceID]
	o.mu.RUnlock()
	if h == nil {
		return ProcessRecord{}, false
	}
	return h.record()
}

// Records snapshots all live ProcessRecords.
func (o *Orchestrator) Records() []ProcessRecord {
	o.mu.RLock()
	hs := make([]*handler, 0, len(o.entries))
	for _, h := range o.entries {
		hs = append(hs, h)
	}
	o.mu.RUnlock()
	out := make([]ProcessRecord, 0, len(hs))
	for _, h := range hs {
		if rec, ok := h.record(); ok {
			out = append(out, rec)
		}
	}
	return out
}

// HealthCheckAll probes every running worker concurrently with bounded
// parallelism. It reports best-known state and never fails.
func (o *Orchestrator) HealthCheckAll(ctx context.Context) []InstanceHealth {
	recs := o.Records()
	out := make([]InstanceHealth, len(recs))
	sem := make(chan struct{}, o.cfg.HealthParallelism)
	var wg sync.WaitGroup
	for i, rec := range recs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, rec ProcessRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			res := InstanceHealth{
				InstanceID:  rec.InstanceID,
				ServiceType: rec.ServiceType,
				CheckedAt:   time.Now(),
			}
			if err := o.prober.Ping(ctx, rec.Port); err != nil {
				res.Error = err.Error()
			} else {
				res.Healthy = true
			}
			metrics.IncHealthCheck(rec.ServiceType, res.Healthy)
			out[i] = res
		}(i, rec)
	}
	wg.Wait()
	return out
}

// ensureHandler returns the per-instance handler, creating and running it if
// missing.
func (o *Orchestrator) ensureHandler(instanceID string) *handler {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.entries[instanceID]
	if h == nil {
		h = newHandler(o, instanceID)
		o.entries[instanceID] = h
		go h.run()
	}
	return h
}

// StartReconciler begins the periodic registry consistency sweep.
func (o *Orchestrator) StartReconciler() {
	o.mu.Lock()
	if o.reconStop != nil {
		o.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	o.reconStop = stop
	o.mu.Unlock()
	go func() {
		t := time.NewTicker(o.cfg.ReconcileInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if _, err := o.ReconcileOnce(context.Background()); err != nil {
					o.log.Warn("registry reconcile failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopReconciler stops the sweep if running.
func (o *Orchestrator) StopReconciler() {
	o.mu.Lock()
	ch := o.reconStop
	o.reconStop = nil
	o.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Shutdown deactivates every worker and stops all handler goroutines.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.StopReconciler()
	o.mu.Lock()
	hs := make([]*handler, 0, len(o.entries))
	for _, h := range o.entries {
		hs = append(hs, h)
	}
	o.mu.Unlock()
	var wg sync.WaitGroup
	for _, h := range hs {
		wg.Add(1)
		go func(h *handler) {
			defer wg.Done()
			reply := make(chan ctrlResult, 1)
			select {
			case h.ctrl <- ctrlMsg{typ: ctrlShutdown, reply: reply}:
				select {
				case <-reply:
				case <-ctx.Done():
				}
			case <-ctx.Done():
			}
		}(h)
	}
	wg.Wait()
}
