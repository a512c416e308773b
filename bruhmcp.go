package bruhmcp

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MyAirVault/BruhMCP-sub018/internal/audit"
	"github.com/MyAirVault/BruhMCP-sub018/internal/config"
	"github.com/MyAirVault/BruhMCP-sub018/internal/credential"
	"github.com/MyAirVault/BruhMCP-sub018/internal/logger"
	"github.com/MyAirVault/BruhMCP-sub018/internal/metrics"
	"github.com/MyAirVault/BruhMCP-sub018/internal/orchestrator"
	"github.com/MyAirVault/BruhMCP-sub018/internal/refresh"
	"github.com/MyAirVault/BruhMCP-sub018/internal/server"
	"github.com/MyAirVault/BruhMCP-sub018/internal/session"
	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
	"github.com/MyAirVault/BruhMCP-sub018/internal/store/factory"
	"github.com/MyAirVault/BruhMCP-sub018/internal/workerd"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Credential = store.Credential

type InstanceMeta = store.InstanceMeta

type InstanceStatus = store.InstanceStatus

type ActivateRequest = orchestrator.ActivateRequest

type ProcessRecord = orchestrator.ProcessRecord

type InstanceHealth = orchestrator.InstanceHealth

type FileConfig = config.FileConfig

// LoadConfig reads a TOML config file. An empty path yields defaults.
func LoadConfig(path string) (FileConfig, error) { return config.Load(path) }

// Daemon bundles every subsystem of one bruhmcpd run: durable stores,
// credential cache and sync, refresh coordinator, process orchestrator,
// session registry, and the control API.
type Daemon struct {
	cfg      config.FileConfig
	log      *slog.Logger
	backends *factory.Backends
	cache    *credential.Cache
	syncLoop *credential.SyncLoop
	orch     *orchestrator.Orchestrator
	coord    *refresh.Coordinator
	sessions *session.Registry
	api      *server.Server
}

// NewDaemon wires a daemon from config. Nothing runs until Run.
func NewDaemon(fc config.FileConfig) (*Daemon, error) {
	log := logger.Setup(fc.Log.Level, fc.Log.Color)
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, err
	}

	backends, err := factory.Open(fc.Store.DSN)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := backends.Credentials.EnsureSchema(ctx); err != nil {
		_ = backends.Close()
		return nil, err
	}
	if err := backends.Instances.EnsureSchema(ctx); err != nil {
		_ = backends.Close()
		return nil, err
	}

	sinks := []audit.Sink{audit.SlogSink{Log: log}}
	if fc.Audit.ClickHouseURL != "" {
		sinks = append(sinks, audit.NewClickHouseSink(fc.Audit.ClickHouseURL, fc.Audit.ClickHouseTable))
	}

	cache := credential.NewCache(backends.Credentials, fc.Cache.TTL)
	syncLoop := credential.NewSyncLoop(cache, backends.Credentials,
		fc.Cache.SyncInterval, fc.Cache.Staleness, log)

	orch, err := orchestrator.New(fc.Orchestrator, cache, backends.Instances, sinks, log)
	if err != nil {
		_ = backends.Close()
		return nil, err
	}

	var svc refresh.Refresher
	if fc.Refresh.ServiceURL != "" {
		svc = refresh.NewServiceClient(fc.Refresh.ServiceURL, fc.Refresh.ServiceTimeout)
	}
	coord := refresh.NewCoordinator(cache, backends.Credentials, backends.Instances,
		svc, fc.Refresh.Policy, sinks, log)

	sessions := session.NewRegistry(session.DialFactory, fc.Session, log)

	// A session must not outlive its credential or its worker process.
	cache.OnInvalidate(func(id string) { sessions.Remove(context.Background(), id) })
	orch.OnProcessExit(func(id string) { sessions.Remove(context.Background(), id) })
	// An unresponsive worker gets reaped; the platform decides about restarts.
	orch.OnFailure(func(id string) {
		dctx, dcancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer dcancel()
		if _, err := orch.Deactivate(dctx, id); err != nil {
			log.Error("reap unresponsive worker", "instance", id, "error", err)
		}
	})

	api := server.New(fc.Server.Listen, orch, backends.Instances, sessions, coord, log)

	return &Daemon{
		cfg:      fc,
		log:      log,
		backends: backends,
		cache:    cache,
		syncLoop: syncLoop,
		orch:     orch,
		coord:    coord,
		sessions: sessions,
		api:      api,
	}, nil
}

// Run starts every background loop and serves the control API until ctx is
// cancelled, then shuts everything down in dependency order.
func (d *Daemon) Run(ctx context.Context) error {
	bg, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := d.orch.ReconcileOnce(bg); err != nil {
		d.log.Warn("initial registry reconcile failed", "error", err)
	}
	d.orch.StartReconciler()
	go d.syncLoop.Run(bg)
	go d.coord.Run(bg)
	go d.sessions.Run(bg)

	d.log.Info("bruhmcpd up", "listen", d.cfg.Server.Listen)
	err := d.api.Run(ctx)

	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer scancel()
	d.sessions.Close(sctx)
	d.orch.Shutdown(sctx)
	if cerr := d.backends.Close(); cerr != nil {
		d.log.Warn("close store", "error", cerr)
	}
	d.log.Info("bruhmcpd down")
	return err
}

// Orchestrator exposes the process orchestrator for embedding.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orch }

// RunWorker is the worker process entry point: it reads its spawn contract
// from the environment and serves the worker protocol until ctx is done.
func RunWorker(ctx context.Context) error {
	cfg, err := workerd.ConfigFromEnv()
	if err != nil {
		return err
	}
	return workerd.New(cfg, nil, slog.Default()).Run(ctx)
}
