// Copyright 2025 Exata IT
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"fmt"
)

// ReprocessResult summarizes one run of the divergence reprocessing routine.
type ReprocessResult struct {
	Examined  int
	Resolved  int
	Remaining int
}

// Reprocess re-runs failed writes from the divergence ledger. It is
// explicitly triggered and deliberately decoupled from both the listener and
// the reconciler, so a backlog of failures cannot slow real-time propagation.
//
// Each entry is handled with fresh source state: the original row is
// re-fetched, dependencies re-resolved, and the write retried. Entries whose
// source row no longer exists are removed, since there is nothing left to
// replicate.
func (r *Replicator) Reprocess(ctx context.Context) (ReprocessResult, error) {
	var result ReprocessResult

	entries, err := r.ledger.List(ctx)
	if err != nil {
		return result, fmt.Errorf("list divergence ledger: %w", err)
	}
	result.Examined = len(entries)
	if len(entries) == 0 {
		return result, nil
	}
	r.logger.Info("Reprocessing divergence ledger", "entries", len(entries))

	for _, entry := range entries {
		if ctx.Err() != nil {
			result.Remaining = result.Examined - result.Resolved
			return result, ctx.Err()
		}
		if r.reprocessEntry(ctx, entry) {
			result.Resolved++
		}
	}
	result.Remaining = result.Examined - result.Resolved

	r.logger.Info("Reprocessing complete",
		"examined", result.Examined,
		"resolved", result.Resolved,
		"remaining", result.Remaining,
	)
	return result, nil
}

func (r *Replicator) reprocessEntry(ctx context.Context, entry DivergenceRecord) bool {
	total := r.reconciler.observer.start()
	defer func() {
		r.reconciler.observer.observe(ctx, MetricsOpReprocess, MetricsStageTotal, total, 1, false)
	}()

	handler, ok := r.registry.ByName(entry.EntityType)
	if !ok {
		r.logger.Warn("Divergence entry for unregistered entity, leaving for inspection",
			"entity", entry.EntityType, "pk", entry.EntityID)
		return false
	}

	var rec *SourceRecord
	err := withBackoff(ctx, r.config.RetryAttempts, r.config.RetryBackoff, func() error {
		var ferr error
		rec, ferr = handler.FetchOne(ctx, entry.EntityID)
		return ferr
	})
	if err != nil {
		r.logger.Warn("Reprocess fetch failed, entry kept",
			"entity", entry.EntityType, "pk", entry.EntityID, "error", err)
		return false
	}
	if rec == nil {
		// Row gone from the source; nothing left to replicate.
		if err := r.ledger.Remove(ctx, entry.EntityType, entry.EntityID); err != nil {
			r.logger.Warn("Failed to remove stale divergence entry",
				"entity", entry.EntityType, "pk", entry.EntityID, "error", err)
			return false
		}
		r.logger.Debug("Divergence entry dropped, source row gone",
			"entity", entry.EntityType, "pk", entry.EntityID)
		return true
	}

	mapped, err := handler.Map(rec)
	if err != nil {
		r.logger.Warn("Reprocess mapping failed, entry kept",
			"entity", entry.EntityType, "pk", entry.EntityID, "error", err)
		return false
	}

	for _, dep := range mapped.RequiredDependencies() {
		resolved, rerr := r.resolver.EnsureExist(ctx, dep.EntityType, []int64{dep.ID})
		if rerr != nil {
			r.logger.Warn("Reprocess resolution failed, entry kept",
				"entity", entry.EntityType, "pk", entry.EntityID, "error", rerr)
			return false
		}
		if _, ok := resolved[dep.ID]; !ok {
			r.logger.Debug("Reprocess still unresolved, entry kept",
				"entity", entry.EntityType, "pk", entry.EntityID,
				"ref_entity", dep.EntityType, "ref_id", dep.ID)
			return false
		}
	}

	res, err := r.writer.Apply(ctx, []*MappedRecord{mapped})
	if err != nil || res.Failed > 0 {
		// The failed apply has already refreshed the ledger entry.
		return false
	}

	if err := r.ledger.Remove(ctx, entry.EntityType, entry.EntityID); err != nil {
		r.logger.Warn("Failed to remove resolved divergence entry",
			"entity", entry.EntityType, "pk", entry.EntityID, "error", err)
		return false
	}
	return true
}
