package credential

import (
	"context"
	"log/slog"
	"time"

	"github.com/MyAirVault/BruhMCP-sub018/internal/metrics"
	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
)

// DefaultStalenessBound evicts entries whose store row has not been touched
// for this long, regardless of token expiry.
const DefaultStalenessBound = 24 * time.Hour

// SyncSummary reports one pass of the sync loop.
type SyncSummary struct {
	Checked int `json:"checked"`
	Synced  int `json:"synced"`
	Removed int `json:"removed"`
	Errors  int `json:"errors"`
}

// SyncLoop reconciles the cache against the credential store on a timer:
// externally revoked or deleted credentials are evicted, fresher store rows
// replace stale cache entries. One entry failing must not abort the pass
// for the others.
type SyncLoop struct {
	cache     *Cache
	backing   store.CredentialStore
	interval  time.Duration
	staleness time.Duration
	log       *slog.Logger
}

func NewSyncLoop(cache *Cache, backing store.CredentialStore, interval, staleness time.Duration, log *slog.Logger) *SyncLoop {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if staleness <= 0 {
		staleness = DefaultStalenessBound
	}
	if log == nil {
		log = slog.Default()
	}
	return &SyncLoop{cache: cache, backing: backing, interval: interval, staleness: staleness, log: log}
}

// Run ticks until ctx is cancelled. In-flight passes finish before return.
func (s *SyncLoop) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sum := s.RunOnce(ctx)
			s.log.Debug("credential sync pass",
				"checked", sum.Checked, "synced", sum.Synced,
				"removed", sum.Removed, "errors", sum.Errors)
		}
	}
}

// RunOnce performs a single reconciliation pass.
func (s *SyncLoop) RunOnce(ctx context.Context) SyncSummary {
	var sum SyncSummary
	now := time.Now()
	for _, id := range s.cache.Keys() {
		entry, ok := s.cache.Peek(id)
		if !ok {
			continue // removed concurrently
		}
		sum.Checked++

		// staleness is judged on the store row's last modification; rows
		// that never carried an UpdatedAt fall back to cache-entry age
		lastTouched := entry.Credential.UpdatedAt
		if lastTouched.IsZero() {
			lastTouched = entry.CachedAt
		}
		if now.Sub(lastTouched) > s.staleness {
			s.cache.Invalidate(id)
			sum.Removed++
			continue
		}

		cred, err := s.backing.Load(ctx, id)
		if err == store.ErrNotFound {
			// revoked or deleted externally
			s.cache.Invalidate(id)
			sum.Removed++
			continue
		}
		if err != nil {
			sum.Errors++
			s.log.Warn("credential sync failed for entry", "instance", id, "error", err)
			continue
		}
		if cred.UpdatedAt.After(entry.Credential.UpdatedAt) {
			s.cache.Set(id, cred)
			sum.Synced++
		}
	}
	metrics.AddSyncRemoved(sum.Removed)
	return sum
}
