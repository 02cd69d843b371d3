// Copyright 2025 Exata IT
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the mirror schema and divergence log table at
// the destination. Idempotent; runs inside the service startup transaction.
func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS mirror`,
		`CREATE TABLE IF NOT EXISTS mirror.divergence_log (
			id UUID PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id BIGINT NOT NULL,
			error_kind TEXT NOT NULL,
			message TEXT NOT NULL,
			payload JSONB,
			retry_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (entity_type, entity_id)
		)`,
		`CREATE INDEX IF NOT EXISTS divergence_log_kind_idx
			ON mirror.divergence_log (error_kind)`,
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
