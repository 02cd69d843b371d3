// Copyright 2025 Exata IT
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrPassInProgress is returned when a reconciliation pass is requested while
// a previous pass is still active.
var ErrPassInProgress = errors.New("reconciliation pass already in progress")

// Reconciler detects and repairs divergence the real-time path missed. Each
// pass diffs bounded identifier windows between source and destination per
// entity type and bulk-repairs the missing subset. It only ever adds or
// updates: destination identifiers outside the source window are
// destination-originated data and are never removed or altered.
type Reconciler struct {
	registry *EntityRegistry
	resolver *DependencyResolver
	writer   *UpsertWriter
	ledger   *DivergenceLedger
	config   *Config
	logger   *slog.Logger
	observer *stageObserver

	running   atomic.Bool
	passCount atomic.Int64
}

func NewReconciler(
	registry *EntityRegistry,
	resolver *DependencyResolver,
	writer *UpsertWriter,
	ledger *DivergenceLedger,
	config *Config,
	logger *slog.Logger,
	observer *stageObserver,
) *Reconciler {
	return &Reconciler{
		registry: registry,
		resolver: resolver,
		writer:   writer,
		ledger:   ledger,
		config:   config,
		logger:   logger,
		observer: observer,
	}
}

// Run executes passes on a fixed interval until ctx is cancelled. A pass that
// is still active when the next tick fires is skipped, never overlapped.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunPass(ctx); err != nil {
				if errors.Is(err, ErrPassInProgress) {
					r.logger.Warn("Previous reconciliation pass still active, skipping tick")
					continue
				}
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("Reconciliation pass failed", "error", err)
			}
		}
	}
}

// RunPass executes one reconciliation pass over all registered entity types
// and returns a summary per type. Safe to call alongside the real-time
// listener; concurrent with itself it returns ErrPassInProgress.
func (r *Reconciler) RunPass(ctx context.Context) ([]ReconcileSummary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrPassInProgress
	}
	defer r.running.Store(false)

	pass := r.passCount.Add(1)
	refresh := r.config.RefreshEvery > 0 && pass%int64(r.config.RefreshEvery) == 0

	var summaries []ReconcileSummary
	for _, name := range r.registry.Names() {
		summary, err := r.reconcileEntity(ctx, name, refresh)
		if err != nil {
			if ctx.Err() != nil {
				return summaries, ctx.Err()
			}
			// One entity's failure never aborts the pass for its siblings.
			r.logger.Error("Entity reconciliation failed", "entity", name, "error", err)
			summary.Failed++
		}
		summaries = append(summaries, summary)
		r.logger.Info("Reconciliation summary",
			"entity", summary.EntityType,
			"window", summary.WindowSize,
			"missing", summary.Missing,
			"repaired", summary.Repaired,
			"refreshed", summary.Refreshed,
			"failed", summary.Failed,
			"duration", summary.Duration,
			"refresh_pass", refresh,
		)
	}
	return summaries, nil
}

func (r *Reconciler) reconcileEntity(ctx context.Context, name string, refresh bool) (ReconcileSummary, error) {
	started := time.Now()
	summary := ReconcileSummary{EntityType: name}
	defer func() { summary.Duration = time.Since(started) }()

	handler, ok := r.registry.ByName(name)
	if !ok {
		return summary, fmt.Errorf("entity type %q not registered", name)
	}
	spec := handler.Spec()

	// The window is recomputed fresh every pass, never cached across passes.
	windowStart := r.observer.start()
	var window []int64
	err := withBackoff(ctx, r.config.RetryAttempts, r.config.RetryBackoff, func() error {
		var werr error
		window, werr = handler.WindowIDs(ctx, r.config.WindowSize)
		return werr
	})
	r.observer.observe(ctx, MetricsOpReconcile, MetricsStageWindow, windowStart, len(window), err != nil)
	if err != nil {
		return summary, fmt.Errorf("read source window for %s: %w", name, err)
	}
	summary.WindowSize = len(window)
	if len(window) == 0 {
		return summary, nil
	}

	diffStart := r.observer.start()
	existing, err := r.resolver.existingAtDestination(ctx, spec, window)
	if err != nil {
		r.observer.observe(ctx, MetricsOpReconcile, MetricsStageDiff, diffStart, 0, true)
		return summary, fmt.Errorf("read destination ids for %s: %w", name, err)
	}
	missing := missingIDs(window, existing)
	r.observer.observe(ctx, MetricsOpReconcile, MetricsStageDiff, diffStart, len(missing), false)
	summary.Missing = len(missing)

	if len(missing) > 0 {
		repaired, failed, err := r.repair(ctx, handler, missing)
		summary.Repaired += repaired
		summary.Failed += failed
		if err != nil {
			return summary, err
		}
	}

	// The refresh pass re-applies the full window unconditionally, catching
	// mutable-field drift that gap detection cannot see. Both stores were
	// consulted with fresh reads, so this converges regardless of ordering.
	if refresh {
		refreshed, failed, err := r.repair(ctx, handler, window)
		summary.Refreshed += refreshed
		summary.Failed += failed
		if err != nil {
			return summary, err
		}
	}

	return summary, nil
}

// repair fetches the given source identifiers in bounded batches, resolves
// dependencies for each batch as a unit, and applies it through the writer's
// staged bulk path.
func (r *Reconciler) repair(ctx context.Context, handler EntityHandler, ids []int64) (applied, failed int, err error) {
	spec := handler.Spec()
	chunkSize := r.config.FetchChunkSize

	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}

		fetchStart := r.observer.start()
		var fetched []SourceRecord
		ferr := withBackoff(ctx, r.config.RetryAttempts, r.config.RetryBackoff, func() error {
			var e error
			fetched, e = handler.FetchByIDs(ctx, ids[start:end])
			return e
		})
		r.observer.observe(ctx, MetricsOpReconcile, MetricsStageFetch, fetchStart, len(fetched), ferr != nil)
		if ferr != nil {
			return applied, failed, fmt.Errorf("fetch %s batch from source: %w", spec.Name, ferr)
		}

		var mapped []*MappedRecord
		for i := range fetched {
			rec, merr := handler.Map(&fetched[i])
			if merr != nil {
				r.logger.Error("Failed to map record during reconciliation",
					"entity", spec.Name, "pk", fetched[i].ID, "error", merr)
				r.recordFailure(ctx, spec.Name, fetched[i].ID, &ReplicationError{
					Kind: KindInternalError, EntityType: spec.Name, EntityID: fetched[i].ID, cause: merr,
				})
				failed++
				continue
			}
			mapped = append(mapped, rec)
		}

		resolveStart := r.observer.start()
		writable, skipped, rerr := r.resolveBatch(ctx, spec, mapped)
		r.observer.observe(ctx, MetricsOpReconcile, MetricsStageResolve, resolveStart, len(mapped), rerr != nil)
		if rerr != nil {
			return applied, failed, rerr
		}
		failed += skipped

		applyStart := r.observer.start()
		res, aerr := r.writer.ApplyStaged(ctx, spec.Name, writable)
		r.observer.observe(ctx, MetricsOpReconcile, MetricsStageApply, applyStart, len(writable), aerr != nil)
		if aerr != nil {
			return applied, failed, fmt.Errorf("apply %s batch: %w", spec.Name, aerr)
		}
		applied += res.Applied
		failed += res.Failed
	}
	return applied, failed, nil
}

// resolveBatch resolves dependencies for a whole batch as a unit, grouped by
// parent entity type. Records whose required reference stays unresolved are
// excluded from the write and recorded as divergence.
func (r *Reconciler) resolveBatch(ctx context.Context, spec EntitySpec, mapped []*MappedRecord) (writable []*MappedRecord, skipped int, err error) {
	byType := make(map[string][]int64)
	for _, rec := range mapped {
		for _, dep := range rec.RequiredDependencies() {
			byType[dep.EntityType] = append(byType[dep.EntityType], dep.ID)
		}
	}

	resolvedByType := make(map[string]map[int64]struct{}, len(byType))
	for entityType, ids := range byType {
		resolved, rerr := r.resolver.EnsureExist(ctx, entityType, ids)
		if rerr != nil {
			return nil, 0, fmt.Errorf("resolve %s parents for %s batch: %w", entityType, spec.Name, rerr)
		}
		resolvedByType[entityType] = resolved
	}

	for _, rec := range mapped {
		unresolved := false
		for _, dep := range rec.RequiredDependencies() {
			if _, ok := resolvedByType[dep.EntityType][dep.ID]; !ok {
				r.recordFailure(ctx, rec.EntityType, rec.PK, &ReplicationError{
					Kind:       KindUnresolvedDependency,
					EntityType: rec.EntityType,
					EntityID:   rec.PK,
					cause:      fmt.Errorf("parent %s/%d not found at source", dep.EntityType, dep.ID),
				})
				unresolved = true
				break
			}
		}
		if unresolved {
			skipped++
			continue
		}
		writable = append(writable, rec)
	}
	return writable, skipped, nil
}

func (r *Reconciler) recordFailure(ctx context.Context, entityType string, id int64, rerr *ReplicationError) {
	if err := r.ledger.Record(ctx, entityType, id, rerr); err != nil {
		r.logger.Warn("Failed to persist divergence record",
			"entity", entityType, "pk", id, "error", err)
	}
}

// missingIDs returns the window identifiers absent from the destination set,
// preserving the window's newest-first order.
func missingIDs(window []int64, existing map[int64]struct{}) []int64 {
	var missing []int64
	for _, id := range window {
		if _, ok := existing[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
