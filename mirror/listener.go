// Copyright 2025 Exata IT
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"
)

// ChangeListener maintains the persistent subscription to the source's
// notification channel and turns change descriptors into destination writes.
// Each notification is handled independently; ordering across distinct
// entities is not guaranteed and not needed, since the writer is idempotent
// and the reconciler closes any gaps.
type ChangeListener struct {
	source   *pgxpool.Pool
	registry *EntityRegistry
	resolver *DependencyResolver
	writer   *UpsertWriter
	ledger   *DivergenceLedger
	config   *Config
	logger   *slog.Logger
	observer *stageObserver

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewChangeListener(
	source *pgxpool.Pool,
	registry *EntityRegistry,
	resolver *DependencyResolver,
	writer *UpsertWriter,
	ledger *DivergenceLedger,
	config *Config,
	logger *slog.Logger,
	observer *stageObserver,
) *ChangeListener {
	return &ChangeListener{
		source:   source,
		registry: registry,
		resolver: resolver,
		writer:   writer,
		ledger:   ledger,
		config:   config,
		logger:   logger,
		observer: observer,
		sem:      semaphore.NewWeighted(config.MaxInFlight),
	}
}

// Run blocks until ctx is cancelled, reconnecting with a fixed backoff on
// subscription loss. Gaps during a disconnected interval are expected and are
// closed by the Reconciliation Engine, not by replay.
func (l *ChangeListener) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := l.source.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("Failed to acquire listen connection, backing off",
				"error", err, "backoff", l.config.ReconnectBackoff)
			if sleepWithContext(ctx, l.config.ReconnectBackoff) != nil {
				return
			}
			continue
		}

		err = l.listen(ctx, conn)
		conn.Release()
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn("Notification subscription lost, reconnecting",
			"error", err, "backoff", l.config.ReconnectBackoff)
		if sleepWithContext(ctx, l.config.ReconnectBackoff) != nil {
			return
		}
	}
}

func (l *ChangeListener) listen(ctx context.Context, conn *pgxpool.Conn) error {
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.config.Channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen on channel %q: %w", l.config.Channel, err)
	}
	l.logger.Info("Subscribed to source notification channel", "channel", l.config.Channel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.dispatch(ctx, n.Payload)
	}
}

// dispatch decodes a notification payload and hands it to a bounded worker.
// Unknown tables and malformed payloads are skipped, never fatal.
func (l *ChangeListener) dispatch(ctx context.Context, payload string) {
	desc, err := parseChangeDescriptor(payload)
	if err != nil {
		l.logger.Warn("Skipping malformed change notification", "payload", payload, "error", err)
		return
	}

	handler, ok := l.registry.BySourceTable(desc.Table)
	if !ok {
		l.logger.Debug("Skipping notification for unregistered table",
			"table", desc.Table, "id", desc.ID)
		return
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return // shutting down
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.sem.Release(1)
		// The unit of work outlives run-loop cancellation, bounded by the
		// shutdown grace period, so Close drains in-flight applications
		// instead of aborting them mid-write.
		workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.config.ShutdownGrace)
		defer cancel()
		l.handle(workCtx, handler, desc)
	}()
}

// handle is one logical unit of work: fetch fresh source state, map, resolve
// dependencies, write. A row deleted before the fetch completes is a
// legitimate no-op.
func (l *ChangeListener) handle(ctx context.Context, handler EntityHandler, desc ChangeDescriptor) {
	spec := handler.Spec()
	total := l.observer.start()

	if strings.EqualFold(desc.EventType, EventDelete) {
		if err := l.writer.ApplySoftDelete(ctx, spec.Name, desc.ID); err != nil {
			l.logger.Error("Soft delete failed", "entity", spec.Name, "pk", desc.ID, "error", err)
		}
		l.observer.observe(ctx, MetricsOpListen, MetricsStageTotal, total, 1, false)
		return
	}

	fetchStart := l.observer.start()
	var rec *SourceRecord
	err := withBackoff(ctx, l.config.RetryAttempts, l.config.RetryBackoff, func() error {
		var ferr error
		rec, ferr = handler.FetchOne(ctx, desc.ID)
		return ferr
	})
	l.observer.observe(ctx, MetricsOpListen, MetricsStageFetch, fetchStart, 1, err != nil)
	if err != nil {
		l.logger.Error("Failed to fetch source row", "entity", spec.Name, "pk", desc.ID, "error", err)
		l.recordFailure(ctx, spec.Name, desc.ID, replicationErrorFor(spec.Name, desc.ID, err))
		return
	}
	if rec == nil {
		l.logger.Debug("Source row gone before fetch, treating as no-op",
			"entity", spec.Name, "pk", desc.ID)
		return
	}

	mapped, err := handler.Map(rec)
	if err != nil {
		l.logger.Error("Failed to map source row", "entity", spec.Name, "pk", desc.ID, "error", err)
		l.recordFailure(ctx, spec.Name, desc.ID, &ReplicationError{
			Kind: KindInternalError, EntityType: spec.Name, EntityID: desc.ID, cause: err,
		})
		return
	}

	resolveStart := l.observer.start()
	ok, err := l.ensureDependencies(ctx, mapped)
	l.observer.observe(ctx, MetricsOpListen, MetricsStageResolve, resolveStart, len(mapped.Dependencies), err != nil)
	if err != nil {
		l.logger.Error("Dependency resolution failed", "entity", spec.Name, "pk", desc.ID, "error", err)
		l.recordFailure(ctx, spec.Name, desc.ID, replicationErrorFor(spec.Name, desc.ID, err))
		return
	}
	if !ok {
		return // divergence recorded; never write with an unresolved required ref
	}

	applyStart := l.observer.start()
	res, err := l.writer.Apply(ctx, []*MappedRecord{mapped})
	l.observer.observe(ctx, MetricsOpListen, MetricsStageApply, applyStart, 1, err != nil || res.Failed > 0)
	if err != nil {
		l.logger.Error("Apply aborted", "entity", spec.Name, "pk", desc.ID, "error", err)
	}
	l.observer.observe(ctx, MetricsOpListen, MetricsStageTotal, total, 1, res.Failed > 0)
}

// ensureDependencies resolves every required reference of rec. It returns
// false, after recording a divergence, when a required reference stays
// unresolved.
func (l *ChangeListener) ensureDependencies(ctx context.Context, rec *MappedRecord) (bool, error) {
	byType := make(map[string][]int64)
	for _, dep := range rec.RequiredDependencies() {
		byType[dep.EntityType] = append(byType[dep.EntityType], dep.ID)
	}
	for entityType, ids := range byType {
		resolved, err := l.resolver.EnsureExist(ctx, entityType, ids)
		if err != nil {
			return false, err
		}
		for _, id := range ids {
			if _, ok := resolved[id]; !ok {
				l.recordFailure(ctx, rec.EntityType, rec.PK, &ReplicationError{
					Kind:       KindUnresolvedDependency,
					EntityType: rec.EntityType,
					EntityID:   rec.PK,
					cause:      fmt.Errorf("parent %s/%d not found at source", entityType, id),
				})
				return false, nil
			}
		}
	}
	return true, nil
}

func (l *ChangeListener) recordFailure(ctx context.Context, entityType string, id int64, rerr *ReplicationError) {
	if err := l.ledger.Record(ctx, entityType, id, rerr); err != nil {
		l.logger.Warn("Failed to persist divergence record",
			"entity", entityType, "pk", id, "error", err)
	}
}

// drain waits for in-flight applications up to the given grace period.
func (l *ChangeListener) drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		l.logger.Warn("Shutdown grace period elapsed with applications still in flight")
	}
}

func parseChangeDescriptor(payload string) (ChangeDescriptor, error) {
	var desc ChangeDescriptor
	if err := json.Unmarshal([]byte(payload), &desc); err != nil {
		return desc, fmt.Errorf("decode change descriptor: %w", err)
	}
	if desc.Table == "" {
		return desc, fmt.Errorf("change descriptor missing table")
	}
	if desc.ID == 0 {
		return desc, fmt.Errorf("change descriptor missing id")
	}
	return desc, nil
}
