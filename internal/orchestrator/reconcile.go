package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/MyAirVault/BruhMCP-sub018/internal/proc"
	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
)

// ReconcileSummary reports one registry consistency sweep.
type ReconcileSummary struct {
	Checked  int `json:"checked"`
	Repaired int `json:"repaired"`
	Expired  int `json:"expired"`
	Orphans  int `json:"orphans"`
	Errors   int `json:"errors"`
}

// ReconcileOnce cross-checks the instance registry against reality and
// repairs the registry, never the other way round: the OS is the source of
// truth for process existence, the orchestrator's own table for everything it
// spawned this run.
func (o *Orchestrator) ReconcileOnce(ctx context.Context) (ReconcileSummary, error) {
	var sum ReconcileSummary
	metas, err := o.registry.List(ctx)
	if err != nil {
		return sum, fmt.Errorf("list instances: %w", err)
	}
	now := time.Now()
	for _, meta := range metas {
		sum.Checked++

		// Lapsed lease: stop the worker if one is up, then mark the row.
		if !meta.ExpiresAt.IsZero() && now.After(meta.ExpiresAt) && meta.Status != store.StatusExpired {
			if _, ok := o.GetProcessInfo(meta.ID); ok {
				if _, err := o.Deactivate(ctx, meta.ID); err != nil {
					sum.Errors++
					continue
				}
			}
			if err := o.registry.UpdateStatus(ctx, meta.ID, store.StatusExpired); err != nil {
				sum.Errors++
				continue
			}
			sum.Expired++
			o.log.Info("instance lease expired", "instance", meta.ID, "expired_at", meta.ExpiresAt)
			continue
		}

		if rec, ok := o.GetProcessInfo(meta.ID); ok {
			// Spawned this run; the registry must mirror the live record.
			if meta.AssignedPort != rec.Port || meta.ProcessID != rec.PID {
				if err := o.registry.UpdateProcess(ctx, meta.ID, rec.Port, rec.PID); err != nil {
					sum.Errors++
					continue
				}
				sum.Repaired++
			}
			if meta.Status != store.StatusActive {
				if err := o.registry.UpdateStatus(ctx, meta.ID, store.StatusActive); err != nil {
					sum.Errors++
					continue
				}
				sum.Repaired++
			}
			continue
		}

		// No live record. A row claiming a running process is stale or points
		// at a survivor from a previous run.
		if meta.ProcessID == 0 && meta.AssignedPort == 0 {
			if meta.Status == store.StatusActive {
				if err := o.registry.UpdateStatus(ctx, meta.ID, store.StatusInactive); err != nil {
					sum.Errors++
					continue
				}
				sum.Repaired++
			}
			continue
		}

		if proc.AlivePID(meta.ProcessID) {
			// Orphan from a previous run. Leave it alone but keep its port
			// out of the allocator until an operator resolves it.
			sum.Orphans++
			o.alloc.MarkUsed("registry", meta.AssignedPort)
			o.log.Warn("orphaned worker process",
				"instance", meta.ID, "pid", meta.ProcessID, "port", meta.AssignedPort)
			continue
		}

		// Process is gone; scrub the row and free the port.
		if err := o.registry.UpdateProcess(ctx, meta.ID, 0, 0); err != nil {
			sum.Errors++
			continue
		}
		if meta.Status == store.StatusActive {
			if err := o.registry.UpdateStatus(ctx, meta.ID, store.StatusFailed); err != nil {
				sum.Errors++
				continue
			}
		}
		o.alloc.Release("registry", meta.AssignedPort)
		sum.Repaired++
		o.log.Info("reconciled stale instance row",
			"instance", meta.ID, "pid", meta.ProcessID, "port", meta.AssignedPort)
	}
	return sum, nil
}
