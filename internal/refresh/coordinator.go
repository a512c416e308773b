package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MyAirVault/BruhMCP-sub018/internal/audit"
	"github.com/MyAirVault/BruhMCP-sub018/internal/credential"
	"github.com/MyAirVault/BruhMCP-sub018/internal/metrics"
	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
)

// Refresher is the strategy capability for one refresh path.
type Refresher interface {
	Refresh(ctx context.Context, cred store.Credential) (store.Credential, error)
}

// Config holds watcher cadence and retry policy.
type Config struct {
	Threshold   time.Duration `mapstructure:"threshold"`    // refresh when expiry is within this window
	Interval    time.Duration `mapstructure:"interval"`     // watcher tick
	MaxAttempts int           `mapstructure:"max_attempts"` // give up and mark the instance after this many failures
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	Parallelism int           `mapstructure:"parallelism"` // concurrent refreshes per tick
}

func DefaultConfig() Config {
	return Config{
		Threshold:   10 * time.Minute,
		Interval:    2 * time.Minute,
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffCap:  2 * time.Minute,
		Parallelism: 4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	return c
}

// Coordinator watches cached credentials nearing expiry and refreshes them,
// preferring the shared refresh service and falling back to the provider's
// token endpoint when the service is unavailable or the breaker is open.
// Refreshes are serialized per instance; distinct instances refresh in
// parallel.
type Coordinator struct {
	cache    *credential.Cache
	creds    store.CredentialStore
	registry store.InstanceRegistry
	service  Refresher // nil when no shared service is configured
	provider Refresher
	breaker  *Breaker
	cfg      Config
	sinks    []audit.Sink
	log      *slog.Logger

	mu      sync.Mutex
	keyLock map[string]*sync.Mutex
	nextTry map[string]time.Time
}

func NewCoordinator(cache *credential.Cache, creds store.CredentialStore, registry store.InstanceRegistry,
	service Refresher, cfg Config, sinks []audit.Sink, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cache:    cache,
		creds:    creds,
		registry: registry,
		service:  service,
		provider: ProviderRefresher{},
		breaker:  NewBreaker(),
		cfg:      cfg.withDefaults(),
		sinks:    sinks,
		log:      log,
		keyLock:  make(map[string]*sync.Mutex),
		nextTry:  make(map[string]time.Time),
	}
}

// BreakerState exposes the service-path breaker state for status reporting.
func (c *Coordinator) BreakerState() string { return c.breaker.State() }

// Run ticks until ctx is cancelled; in-flight refreshes finish before return.
func (c *Coordinator) Run(ctx context.Context) {
	t := time.NewTicker(c.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	now := time.Now()
	sem := make(chan struct{}, c.cfg.Parallelism)
	var wg sync.WaitGroup
	for _, id := range c.cache.Keys() {
		entry, ok := c.cache.Peek(id)
		if !ok {
			continue
		}
		exp := entry.Credential.ExpiresAt
		if exp.IsZero() || exp.Sub(now) > c.cfg.Threshold {
			continue // non-expiring material or not yet nearing expiry
		}
		c.mu.Lock()
		next := c.nextTry[id]
		c.mu.Unlock()
		if now.Before(next) {
			continue // backing off
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.refreshOne(ctx, id, time.Time{}); err != nil {
				c.log.Warn("scheduled refresh failed", "instance", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// ForceRefresh refreshes instanceID outside the watcher cadence, regardless
// of how far expiry is: an operator rotating a suspect token must not be
// second-guessed by the freshness check. It returns false when no credential
// exists. A concurrent force that was already renewing the same key satisfies
// later waiters without a second round trip.
func (c *Coordinator) ForceRefresh(ctx context.Context, instanceID string) (bool, error) {
	if _, ok, err := c.cache.Get(ctx, instanceID); err != nil {
		return false, err
	} else if !ok {
		return false, nil
	}
	if err := c.refreshOne(ctx, instanceID, time.Now()); err != nil {
		return true, err
	}
	return true, nil
}

func (c *Coordinator) lockFor(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.keyLock[id]
	if !ok {
		l = &sync.Mutex{}
		c.keyLock[id] = l
	}
	return l
}

// refreshOne runs one refresh attempt for id, serialized per key. forcedAt is
// zero for watcher-scheduled refreshes; for forced ones it carries the time
// the force was requested, so a waiter whose token was renewed while it held
// the lock queue confirms instead of refreshing again.
func (c *Coordinator) refreshOne(ctx context.Context, id string, forcedAt time.Time) error {
	l := c.lockFor(id)
	l.Lock()
	defer l.Unlock()

	entry, ok := c.cache.Peek(id)
	if !ok {
		return fmt.Errorf("credential missing for %s", id)
	}
	cred := entry.Credential
	if forcedAt.IsZero() {
		// A concurrent refresh may already have produced a fresh token;
		// confirm instead of refreshing again.
		if !cred.ExpiresAt.IsZero() && time.Until(cred.ExpiresAt) > c.cfg.Threshold && entry.RefreshAttempts == 0 {
			return nil
		}
	} else if entry.CachedAt.After(forcedAt) {
		return nil
	}

	fresh, method, err := c.attempt(ctx, cred)
	if err == nil {
		if err := c.creds.Save(ctx, fresh); err != nil {
			return fmt.Errorf("persist refreshed credential: %w", err)
		}
		c.cache.Set(id, fresh)
		c.mu.Lock()
		delete(c.nextTry, id)
		c.mu.Unlock()
		c.log.Info("credential refreshed", "instance", id, "method", method,
			"expires_at", fresh.ExpiresAt)
		return nil
	}

	attempts := c.cache.IncRefreshAttempts(id)
	if attempts == 0 {
		// the entry vanished mid-attempt (revoked, synced away, or a
		// concurrent exhaustion); nothing is left to back off or mark
		return err
	}
	if attempts >= c.cfg.MaxAttempts {
		c.exhausted(ctx, id, cred.ServiceType, err)
		return err
	}
	backoff := c.cfg.BackoffBase << (attempts - 1)
	if backoff > c.cfg.BackoffCap || backoff <= 0 {
		backoff = c.cfg.BackoffCap
	}
	c.mu.Lock()
	c.nextTry[id] = time.Now().Add(backoff)
	c.mu.Unlock()
	return err
}

// attempt runs one refresh, picking the method: shared service while the
// breaker admits it, provider token endpoint otherwise. A network failure on
// the service path falls through to the provider within the same attempt.
func (c *Coordinator) attempt(ctx context.Context, cred store.Credential) (store.Credential, string, error) {
	if c.service != nil && c.breaker.Allow() {
		fresh, err := c.timed(ctx, "service", c.service, cred)
		if err == nil {
			c.breaker.Success()
			return fresh, "service", nil
		}
		c.breaker.Failure()
		if Classify(err) != KindNetwork {
			// the grant itself is bad; the provider will reject it too
			return store.Credential{}, "service", err
		}
		c.log.Warn("refresh service unavailable, falling back to provider",
			"instance", cred.InstanceID, "error", err)
	}
	fresh, err := c.timed(ctx, "provider", c.provider, cred)
	if err != nil {
		return store.Credential{}, "provider", err
	}
	return fresh, "provider", nil
}

func (c *Coordinator) timed(ctx context.Context, method string, r Refresher, cred store.Credential) (store.Credential, error) {
	t0 := time.Now()
	fresh, err := r.Refresh(ctx, cred)
	metrics.ObserveRefreshLatency(method, time.Since(t0).Seconds())
	if err != nil {
		metrics.IncRefreshAttempt(method, "failure")
		return store.Credential{}, err
	}
	metrics.IncRefreshAttempt(method, "success")
	return fresh, nil
}

// exhausted handles retries running out: the instance is marked through its
// status, never an error thrown at traffic, and an audit entry is recorded.
func (c *Coordinator) exhausted(ctx context.Context, id, service string, cause error) {
	status := store.StatusFailed
	if Classify(cause) == KindInvalidGrant {
		status = store.StatusExpired
	}
	if err := c.registry.UpdateStatus(ctx, id, status); err != nil && err != store.ErrNotFound {
		c.log.Error("failed to mark instance after refresh exhaustion",
			"instance", id, "status", string(status), "error", err)
	}
	audit.Emit(ctx, c.sinks, audit.New(audit.EventRefreshExhausted, id, service, cause.Error()))
	c.cache.Invalidate(id)
	c.mu.Lock()
	delete(c.nextTry, id)
	c.mu.Unlock()
	c.log.Error("refresh attempts exhausted", "instance", id, "status", string(status), "error", cause)
}
