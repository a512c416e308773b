package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MyAirVault/BruhMCP-sub018/internal/metrics"
	"github.com/MyAirVault/BruhMCP-sub018/internal/protocol"
)

// Handler is one long-lived protocol handler bound to a worker instance.
// Implementations must be safe for concurrent use.
type Handler interface {
	HandleMessage(ctx context.Context, msg protocol.Message) (protocol.Message, error)
	Shutdown(ctx context.Context) error
}

// Factory builds the handler for an instance when its session is first
// created.
type Factory func(instanceID, serviceType string, port int) (Handler, error)

// Config holds session registry tuning. Zero values fall back to defaults.
type Config struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	IdleThreshold time.Duration `mapstructure:"idle_threshold"`
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 30 * time.Minute
	}
	return c
}

type session struct {
	instanceID  string
	serviceType string
	port        int
	createdAt   time.Time
	lastUsed    time.Time
	handler     Handler
}

// Statistics is a point-in-time view of the session table.
type Statistics struct {
	Live       int            `json:"live"`
	PerService map[string]int `json:"per_service"`
	OldestIdle time.Duration  `json:"oldest_idle"`
}

// Registry keeps exactly one live handler session per activated instance.
// Sessions are created lazily on first use and retired on idle timeout,
// credential invalidation, or worker process exit.
type Registry struct {
	cfg     Config
	factory Factory
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	inflight map[string]chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
}

func NewRegistry(factory Factory, cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		factory:  factory,
		log:      log,
		sessions: make(map[string]*session),
		inflight: make(map[string]chan struct{}),
		stop:     make(chan struct{}),
	}
}

// GetOrCreate returns the instance's handler, building it on first use.
// Concurrent first uses of the same instance build exactly one handler;
// callers for other instances never wait behind a slow factory.
func (r *Registry) GetOrCreate(ctx context.Context, instanceID, serviceType string, port int) (Handler, error) {
	for {
		r.mu.Lock()
		if s, ok := r.sessions[instanceID]; ok {
			s.lastUsed = time.Now()
			h := s.handler
			r.mu.Unlock()
			return h, nil
		}
		if ch, building := r.inflight[instanceID]; building {
			r.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ch := make(chan struct{})
		r.inflight[instanceID] = ch
		r.mu.Unlock()

		h, err := r.factory(instanceID, serviceType, port)

		r.mu.Lock()
		delete(r.inflight, instanceID)
		close(ch)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("create session handler: %w", err)
		}
		now := time.Now()
		r.sessions[instanceID] = &session{
			instanceID:  instanceID,
			serviceType: serviceType,
			port:        port,
			createdAt:   now,
			lastUsed:    now,
			handler:     h,
		}
		n := len(r.sessions)
		r.mu.Unlock()
		metrics.SetLiveSessions(n)
		r.log.Debug("session created", "instance", instanceID, "service", serviceType)
		return h, nil
	}
}

// Touch refreshes the instance's idle clock without creating a session.
func (r *Registry) Touch(instanceID string) {
	r.mu.Lock()
	if s, ok := r.sessions[instanceID]; ok {
		s.lastUsed = time.Now()
	}
	r.mu.Unlock()
}

// Remove retires the instance's session, shutting its handler down.
// Returns whether a session existed.
func (r *Registry) Remove(ctx context.Context, instanceID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[instanceID]
	delete(r.sessions, instanceID)
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return false
	}
	metrics.SetLiveSessions(n)
	if err := s.handler.Shutdown(ctx); err != nil {
		r.log.Warn("session handler shutdown", "instance", instanceID, "error", err)
	}
	r.log.Debug("session removed", "instance", instanceID, "service", s.serviceType)
	return true
}

// Statistics reports current session counts and the longest idle time.
func (r *Registry) Statistics() Statistics {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Statistics{Live: len(r.sessions), PerService: make(map[string]int)}
	for _, s := range r.sessions {
		st.PerService[s.serviceType]++
		if idle := now.Sub(s.lastUsed); idle > st.OldestIdle {
			st.OldestIdle = idle
		}
	}
	return st
}

// Run sweeps idle sessions until ctx is done or Close is called.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-t.C:
			r.sweep(ctx)
		}
	}
}

func (r *Registry) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.IdleThreshold)
	r.mu.Lock()
	var idle []string
	for id, s := range r.sessions {
		if s.lastUsed.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.Unlock()
	for _, id := range idle {
		if r.Remove(ctx, id) {
			r.log.Info("idle session evicted", "instance", id)
		}
	}
}

// Close stops the sweep loop and retires every session.
func (r *Registry) Close(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Remove(ctx, id)
	}
}
