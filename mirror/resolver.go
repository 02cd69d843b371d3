// Copyright 2025 Exata IT
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DependencyResolver guarantees that referenced parent rows exist at the
// destination before a dependent write is issued, fetching and inserting them
// from the source on demand. It takes no client-side locks: concurrent
// resolution of overlapping id sets relies on the destination's
// insert-if-absent semantics.
type DependencyResolver struct {
	dest     *pgxpool.Pool
	registry *EntityRegistry
	config   *Config
	logger   *slog.Logger
}

func NewDependencyResolver(dest *pgxpool.Pool, registry *EntityRegistry, config *Config, logger *slog.Logger) *DependencyResolver {
	return &DependencyResolver{
		dest:     dest,
		registry: registry,
		config:   config,
		logger:   logger,
	}
}

// EnsureExist resolves a batch of parent identifiers for one entity type and
// returns the full resolved set (pre-existing union newly inserted). Ids not
// found at the source are excluded from the result and logged; callers must
// treat excluded ids as unresolved.
func (r *DependencyResolver) EnsureExist(ctx context.Context, entityType string, ids []int64) (map[int64]struct{}, error) {
	return r.ensureExist(ctx, entityType, ids, 0)
}

func (r *DependencyResolver) ensureExist(ctx context.Context, entityType string, ids []int64, depth int) (map[int64]struct{}, error) {
	resolved := make(map[int64]struct{})
	if len(ids) == 0 {
		return resolved, nil
	}
	if depth >= maxDependencyDepth {
		return nil, fmt.Errorf("dependency chain for %q exceeds depth %d", entityType, maxDependencyDepth)
	}

	handler, ok := r.registry.ByName(entityType)
	if !ok {
		return nil, fmt.Errorf("entity type %q not registered", entityType)
	}
	spec := handler.Spec()

	unique := dedupeIDs(ids)
	existing, err := r.existingAtDestination(ctx, spec, unique)
	if err != nil {
		return nil, err
	}
	for id := range existing {
		resolved[id] = struct{}{}
	}

	var missing []int64
	for _, id := range unique {
		if _, ok := existing[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return resolved, nil
	}

	r.logger.Debug("Resolving missing parents from source",
		"entity", spec.Name, "missing", len(missing))

	chunkSize := r.config.FetchChunkSize
	for start := 0; start < len(missing); start += chunkSize {
		end := start + chunkSize
		if end > len(missing) {
			end = len(missing)
		}

		var fetched []SourceRecord
		err := withBackoff(ctx, r.config.RetryAttempts, r.config.RetryBackoff, func() error {
			var ferr error
			fetched, ferr = handler.FetchByIDs(ctx, missing[start:end])
			return ferr
		})
		if err != nil {
			return nil, fmt.Errorf("fetch missing %s parents from source: %w", spec.Name, err)
		}

		mapped := make([]*MappedRecord, 0, len(fetched))
		for i := range fetched {
			rec, merr := handler.Map(&fetched[i])
			if merr != nil {
				r.logger.Warn("Failed to map parent record, leaving unresolved",
					"entity", spec.Name, "pk", fetched[i].ID, "error", merr)
				continue
			}
			mapped = append(mapped, rec)
		}

		// Parents can themselves carry required references; resolve those
		// first so the insert below cannot trip its own FK.
		mapped, err = r.resolveTransitive(ctx, spec, mapped, depth)
		if err != nil {
			return nil, err
		}

		if err := r.insertIfAbsent(ctx, spec, mapped); err != nil {
			return nil, err
		}
		for _, rec := range mapped {
			resolved[rec.PK] = struct{}{}
		}
	}

	for _, id := range missing {
		if _, ok := resolved[id]; !ok {
			r.logger.Warn("Parent not found at source, excluded from resolution",
				"entity", spec.Name, "pk", id)
		}
	}
	return resolved, nil
}

// resolveTransitive resolves the required references of freshly fetched
// parents, dropping any parent whose own required reference stays unresolved.
func (r *DependencyResolver) resolveTransitive(ctx context.Context, spec EntitySpec, mapped []*MappedRecord, depth int) ([]*MappedRecord, error) {
	byType := make(map[string][]int64)
	for _, rec := range mapped {
		for _, dep := range rec.RequiredDependencies() {
			byType[dep.EntityType] = append(byType[dep.EntityType], dep.ID)
		}
	}
	if len(byType) == 0 {
		return mapped, nil
	}

	resolvedByType := make(map[string]map[int64]struct{}, len(byType))
	for entityType, ids := range byType {
		resolved, err := r.ensureExist(ctx, entityType, ids, depth+1)
		if err != nil {
			return nil, err
		}
		resolvedByType[entityType] = resolved
	}

	out := mapped[:0]
	for _, rec := range mapped {
		ok := true
		for _, dep := range rec.RequiredDependencies() {
			if _, found := resolvedByType[dep.EntityType][dep.ID]; !found {
				r.logger.Warn("Parent has unresolved required reference, excluded",
					"entity", spec.Name, "pk", rec.PK,
					"ref_entity", dep.EntityType, "ref_id", dep.ID)
				ok = false
				break
			}
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// existingAtDestination probes which of the ids already exist at the
// destination with one set-based read.
func (r *DependencyResolver) existingAtDestination(ctx context.Context, spec EntitySpec, ids []int64) (map[int64]struct{}, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s.%s WHERE %s = ANY($1)`,
		pgx.Identifier{spec.PKColumn}.Sanitize(),
		pgx.Identifier{spec.DestSchema}.Sanitize(),
		pgx.Identifier{spec.DestTable}.Sanitize(),
		pgx.Identifier{spec.PKColumn}.Sanitize(),
	)
	rows, err := r.dest.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("probe existing %s rows: %w", spec.Name, err)
	}
	defer rows.Close()

	existing := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan existing %s row: %w", spec.Name, err)
		}
		existing[id] = struct{}{}
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("read existing %s rows: %w", spec.Name, rows.Err())
	}
	return existing, nil
}

// insertIfAbsent bulk-inserts parents with conflict-tolerant semantics.
func (r *DependencyResolver) insertIfAbsent(ctx context.Context, spec EntitySpec, records []*MappedRecord) error {
	if len(records) == 0 {
		return nil
	}
	sql := insertIfAbsentSQL(spec)
	for start := 0; start < len(records); start += applyBatchChunkSize {
		end := start + applyBatchChunkSize
		if end > len(records) {
			end = len(records)
		}
		b := &pgx.Batch{}
		for _, rec := range records[start:end] {
			b.Queue(sql, columnValues(spec, rec)...)
		}
		br := r.dest.SendBatch(ctx, b)
		if err := br.Close(); err != nil {
			return fmt.Errorf("insert-if-absent %s parents: %w", spec.Name, err)
		}
	}
	return nil
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
