// Copyright 2025 Exata IT
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dependencyResolver is the slice of the Dependency Resolver the writer needs
// for its one-shot re-resolution after a foreign key violation.
type dependencyResolver interface {
	EnsureExist(ctx context.Context, entityType string, ids []int64) (map[int64]struct{}, error)
}

// UpsertWriter applies mapped records against the destination with
// idempotent, order-independent insert-or-update semantics. The single-record
// and bulk paths produce identical destination state.
type UpsertWriter struct {
	dest     *pgxpool.Pool
	registry *EntityRegistry
	ledger   *DivergenceLedger
	resolver dependencyResolver
	logger   *slog.Logger
	config   *Config
}

func NewUpsertWriter(dest *pgxpool.Pool, registry *EntityRegistry, ledger *DivergenceLedger, config *Config, logger *slog.Logger) *UpsertWriter {
	return &UpsertWriter{
		dest:     dest,
		registry: registry,
		ledger:   ledger,
		config:   config,
		logger:   logger,
	}
}

// SetResolver wires the Dependency Resolver in after construction. The
// resolver itself writes parents through insert-if-absent SQL, so the two
// components are built in sequence and linked here.
func (w *UpsertWriter) SetResolver(r dependencyResolver) {
	w.resolver = r
}

// Apply writes records using chunked batch upserts. On a chunk failure it
// falls back to per-record application so one bad record does not block its
// siblings. Record-level failures surface as divergence records, never as an
// error to the caller; only context cancellation aborts the batch.
func (w *UpsertWriter) Apply(ctx context.Context, records []*MappedRecord) (ApplyResult, error) {
	var result ApplyResult
	if len(records) == 0 {
		return result, nil
	}

	for _, group := range groupByEntity(records) {
		handler, ok := w.registry.ByName(group.entityType)
		if !ok {
			// Mapper produced a record for an unregistered type; ledger it.
			for _, rec := range group.records {
				w.recordDivergence(ctx, rec, &ReplicationError{
					Kind:       KindInternalError,
					EntityType: rec.EntityType,
					EntityID:   rec.PK,
					cause:      fmt.Errorf("entity type %q not registered", rec.EntityType),
				})
				result.Failed++
			}
			continue
		}
		spec := handler.Spec()

		for start := 0; start < len(group.records); start += applyBatchChunkSize {
			end := start + applyBatchChunkSize
			if end > len(group.records) {
				end = len(group.records)
			}
			chunk := group.records[start:end]

			if err := w.applyChunkBatched(ctx, spec, chunk); err == nil {
				result.Applied += len(chunk)
				continue
			} else if ctx.Err() != nil {
				return result, ctx.Err()
			} else {
				w.logger.Warn("Batched apply failed, falling back to per-record",
					"entity", spec.Name, "count", len(chunk), "error", err)
			}

			for _, rec := range chunk {
				if err := w.applyOne(ctx, spec, rec); err != nil {
					if ctx.Err() != nil {
						return result, ctx.Err()
					}
					result.Failed++
				} else {
					result.Applied++
				}
			}
		}
	}

	return result, nil
}

// applyChunkBatched sends one pgx.Batch of upserts for a homogeneous chunk.
func (w *UpsertWriter) applyChunkBatched(ctx context.Context, spec EntitySpec, chunk []*MappedRecord) error {
	sql := upsertSQL(spec)
	b := &pgx.Batch{}
	for _, rec := range chunk {
		b.Queue(sql, columnValues(spec, rec)...)
	}
	br := w.dest.SendBatch(ctx, b)
	if err := br.Close(); err != nil {
		return fmt.Errorf("batched upsert for %s: %w", spec.Name, err)
	}
	return nil
}

// applyOne writes a single record, retrying once after re-resolving its
// dependencies when the destination reports a foreign key violation. A
// failure past that retry is recorded in the divergence ledger.
func (w *UpsertWriter) applyOne(ctx context.Context, spec EntitySpec, rec *MappedRecord) error {
	sql := upsertSQL(spec)
	args := columnValues(spec, rec)

	err := withBackoff(ctx, w.config.RetryAttempts, w.config.RetryBackoff, func() error {
		_, execErr := w.dest.Exec(ctx, sql, args...)
		return execErr
	})
	if err == nil {
		return nil
	}

	if constraint, ok := isFKViolation(err); ok && w.resolver != nil {
		w.logger.Debug("FK violation on apply, re-resolving dependencies",
			"entity", spec.Name, "pk", rec.PK, "constraint", constraint)
		if rerr := w.resolveDependencies(ctx, rec); rerr == nil {
			if _, execErr := w.dest.Exec(ctx, sql, args...); execErr == nil {
				return nil
			} else {
				err = execErr
			}
		}
	}

	rerr := replicationErrorFor(rec.EntityType, rec.PK, err)
	w.logger.Error("Record apply failed",
		"entity", spec.Name, "pk", rec.PK, "kind", rerr.Kind,
		"constraint", rerr.Constraint, "error", err)
	w.recordDivergence(ctx, rec, rerr)
	return rerr
}

// resolveDependencies runs the resolver for each required reference of rec,
// grouped by parent entity type. An unresolved required reference is an error.
func (w *UpsertWriter) resolveDependencies(ctx context.Context, rec *MappedRecord) error {
	byType := make(map[string][]int64)
	for _, dep := range rec.RequiredDependencies() {
		byType[dep.EntityType] = append(byType[dep.EntityType], dep.ID)
	}
	for entityType, ids := range byType {
		resolved, err := w.resolver.EnsureExist(ctx, entityType, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := resolved[id]; !ok {
				return &ReplicationError{
					Kind:       KindUnresolvedDependency,
					EntityType: rec.EntityType,
					EntityID:   rec.PK,
					cause:      fmt.Errorf("parent %s/%d not found at source", entityType, id),
				}
			}
		}
	}
	return nil
}

// ApplyStaged writes a reconciliation-scale batch through a temporary staging
// relation: bulk COPY into the stage, then a single set-based merge into the
// target. Falls back to the chunked batch path when the merge fails, so one
// bad record degrades to a per-record outcome instead of sinking the pass.
func (w *UpsertWriter) ApplyStaged(ctx context.Context, entityType string, records []*MappedRecord) (ApplyResult, error) {
	if len(records) == 0 {
		return ApplyResult{}, nil
	}
	handler, ok := w.registry.ByName(entityType)
	if !ok {
		return ApplyResult{}, fmt.Errorf("entity type %q not registered", entityType)
	}
	spec := handler.Spec()
	records = dedupeByPK(records)

	err := pgx.BeginFunc(ctx, w.dest, func(tx pgx.Tx) error {
		stage := "stage_" + spec.DestTable
		createSQL := fmt.Sprintf(
			`CREATE TEMPORARY TABLE %s ON COMMIT DROP AS SELECT %s FROM %s.%s WITH NO DATA`,
			pgx.Identifier{stage}.Sanitize(),
			joinIdentifiers(spec.Columns),
			pgx.Identifier{spec.DestSchema}.Sanitize(),
			pgx.Identifier{spec.DestTable}.Sanitize(),
		)
		if _, err := tx.Exec(ctx, createSQL); err != nil {
			return fmt.Errorf("create staging table: %w", err)
		}

		_, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, spec.Columns,
			pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
				return columnValues(spec, records[i]), nil
			}))
		if err != nil {
			return fmt.Errorf("copy into staging table: %w", err)
		}

		mergeSQL := fmt.Sprintf(
			`INSERT INTO %s.%s (%s) SELECT %s FROM %s %s`,
			pgx.Identifier{spec.DestSchema}.Sanitize(),
			pgx.Identifier{spec.DestTable}.Sanitize(),
			joinIdentifiers(spec.Columns),
			joinIdentifiers(spec.Columns),
			pgx.Identifier{stage}.Sanitize(),
			conflictClause(spec),
		)
		if _, err := tx.Exec(ctx, mergeSQL); err != nil {
			return fmt.Errorf("merge staging table: %w", err)
		}
		return nil
	})
	if err == nil {
		return ApplyResult{Applied: len(records)}, nil
	}
	if ctx.Err() != nil {
		return ApplyResult{}, ctx.Err()
	}

	w.logger.Warn("Staged apply failed, falling back to batched path",
		"entity", spec.Name, "count", len(records), "error", err)
	return w.Apply(ctx, records)
}

// ApplySoftDelete marks an entity inactive at the destination. Entities
// without a soft-delete column treat deletes as a no-op, since destination
// identifiers may be referenced elsewhere.
func (w *UpsertWriter) ApplySoftDelete(ctx context.Context, entityType string, id int64) error {
	handler, ok := w.registry.ByName(entityType)
	if !ok {
		return fmt.Errorf("entity type %q not registered", entityType)
	}
	spec := handler.Spec()
	if spec.SoftDeleteColumn == "" {
		w.logger.Debug("Entity has no soft-delete column, ignoring delete", "entity", spec.Name, "pk", id)
		return nil
	}

	err := withBackoff(ctx, w.config.RetryAttempts, w.config.RetryBackoff, func() error {
		_, execErr := w.dest.Exec(ctx, softDeleteSQL(spec), id)
		return execErr
	})
	if err != nil {
		rerr := replicationErrorFor(entityType, id, err)
		w.recordDivergence(ctx, &MappedRecord{EntityType: entityType, PK: id}, rerr)
		return rerr
	}
	return nil
}

func (w *UpsertWriter) recordDivergence(ctx context.Context, rec *MappedRecord, rerr *ReplicationError) {
	if w.ledger == nil {
		return
	}
	if err := w.ledger.Record(ctx, rec.EntityType, rec.PK, rerr); err != nil {
		w.logger.Warn("Failed to persist divergence record",
			"entity", rec.EntityType, "pk", rec.PK, "error", err)
	}
}

type entityGroup struct {
	entityType string
	records    []*MappedRecord
}

// groupByEntity splits a mixed batch into homogeneous groups, preserving
// first-seen order.
func groupByEntity(records []*MappedRecord) []entityGroup {
	idx := make(map[string]int)
	var groups []entityGroup
	for _, rec := range records {
		i, ok := idx[rec.EntityType]
		if !ok {
			i = len(groups)
			idx[rec.EntityType] = i
			groups = append(groups, entityGroup{entityType: rec.EntityType})
		}
		groups[i].records = append(groups[i].records, rec)
	}
	return groups
}

// dedupeByPK keeps the last record per primary key so the staged merge never
// touches the same row twice in one statement.
func dedupeByPK(records []*MappedRecord) []*MappedRecord {
	seen := make(map[int64]int, len(records))
	out := make([]*MappedRecord, 0, len(records))
	for _, rec := range records {
		if i, ok := seen[rec.PK]; ok {
			out[i] = rec
			continue
		}
		seen[rec.PK] = len(out)
		out = append(out, rec)
	}
	return out
}

// columnValues orders a record's values per the entity's column list.
func columnValues(spec EntitySpec, rec *MappedRecord) []any {
	vals := make([]any, len(spec.Columns))
	for i, col := range spec.Columns {
		vals[i] = rec.Columns[col]
	}
	return vals
}

func joinIdentifiers(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(parts, ", ")
}

// upsertSQL builds the insert-or-update statement for an entity. The primary
// key is the conflict target; every other replicated column is overwritten
// from the incoming row, while destination-local columns are left untouched.
func upsertSQL(spec EntitySpec) string {
	placeholders := make([]string, len(spec.Columns))
	for i := range spec.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf(
		`INSERT INTO %s.%s (%s) VALUES (%s) %s`,
		pgx.Identifier{spec.DestSchema}.Sanitize(),
		pgx.Identifier{spec.DestTable}.Sanitize(),
		joinIdentifiers(spec.Columns),
		strings.Join(placeholders, ", "),
		conflictClause(spec),
	)
}

// insertIfAbsentSQL builds the conflict-tolerant insert used by the
// Dependency Resolver: concurrent callers inserting the same parent race
// harmlessly into DO NOTHING.
func insertIfAbsentSQL(spec EntitySpec) string {
	placeholders := make([]string, len(spec.Columns))
	for i := range spec.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf(
		`INSERT INTO %s.%s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING`,
		pgx.Identifier{spec.DestSchema}.Sanitize(),
		pgx.Identifier{spec.DestTable}.Sanitize(),
		joinIdentifiers(spec.Columns),
		strings.Join(placeholders, ", "),
		pgx.Identifier{spec.PKColumn}.Sanitize(),
	)
}

func softDeleteSQL(spec EntitySpec) string {
	return fmt.Sprintf(
		`UPDATE %s.%s SET %s = FALSE WHERE %s = $1`,
		pgx.Identifier{spec.DestSchema}.Sanitize(),
		pgx.Identifier{spec.DestTable}.Sanitize(),
		pgx.Identifier{spec.SoftDeleteColumn}.Sanitize(),
		pgx.Identifier{spec.PKColumn}.Sanitize(),
	)
}

func conflictClause(spec EntitySpec) string {
	var updates []string
	for _, col := range spec.Columns {
		if col == spec.PKColumn {
			continue
		}
		ident := pgx.Identifier{col}.Sanitize()
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", ident, ident))
	}
	pkIdent := pgx.Identifier{spec.PKColumn}.Sanitize()
	if len(updates) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", pkIdent)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", pkIdent, strings.Join(updates, ", "))
}
