// Copyright 2025 Exata IT
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DivergenceLedger is the durable record of writes that permanently failed.
// It is an append/delete store, not a queue: entries persist until a
// reprocessing routine confirms the write succeeded. Backed by the
// mirror.divergence_log table at the destination so it survives restarts.
type DivergenceLedger struct {
	dest   *pgxpool.Pool
	logger *slog.Logger
}

func NewDivergenceLedger(dest *pgxpool.Pool, logger *slog.Logger) *DivergenceLedger {
	return &DivergenceLedger{dest: dest, logger: logger}
}

// Record appends (or refreshes) a divergence entry for one entity identity.
// Repeated failures of the same entity increment retry_count instead of
// piling up rows.
func (l *DivergenceLedger) Record(ctx context.Context, entityType string, entityID int64, rerr *ReplicationError) error {
	var payload []byte
	if rerr.Constraint != "" {
		payload, _ = json.Marshal(map[string]string{"constraint": rerr.Constraint})
	}

	_, err := l.dest.Exec(ctx, `
		INSERT INTO mirror.divergence_log
			(id, entity_type, entity_id, error_kind, message, payload)
		VALUES (@id, @entity_type, @entity_id, @error_kind, @message, @payload)
		ON CONFLICT (entity_type, entity_id)
		DO UPDATE SET
			retry_count = mirror.divergence_log.retry_count + 1,
			error_kind = EXCLUDED.error_kind,
			message = EXCLUDED.message,
			payload = EXCLUDED.payload
	`, pgx.NamedArgs{
		"id":          uuid.New().String(),
		"entity_type": entityType,
		"entity_id":   entityID,
		"error_kind":  rerr.Kind,
		"message":     rerr.Error(),
		"payload":     payload,
	})
	if err != nil {
		return fmt.Errorf("record divergence for %s/%d: %w", entityType, entityID, err)
	}
	return nil
}

// List returns all divergence entries, oldest first.
func (l *DivergenceLedger) List(ctx context.Context) ([]DivergenceRecord, error) {
	rows, err := l.dest.Query(ctx, `
		SELECT id, entity_type, entity_id, error_kind, message, payload, retry_count, created_at
		FROM mirror.divergence_log
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list divergence log: %w", err)
	}
	defer rows.Close()

	entries, err := pgx.CollectRows(rows, pgx.RowToStructByName[DivergenceRecord])
	if err != nil {
		return nil, fmt.Errorf("collect divergence rows: %w", err)
	}
	return entries, nil
}

// Remove deletes the entry for one entity identity after a confirmed success.
func (l *DivergenceLedger) Remove(ctx context.Context, entityType string, entityID int64) error {
	_, err := l.dest.Exec(ctx,
		`DELETE FROM mirror.divergence_log WHERE entity_type = $1 AND entity_id = $2`,
		entityType, entityID)
	if err != nil {
		return fmt.Errorf("remove divergence for %s/%d: %w", entityType, entityID, err)
	}
	return nil
}
