// Copyright 2025 Exata IT
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"encoding/json"
	"time"
)

// ChangeDescriptor is the wire payload delivered on the notification channel.
// It identifies what changed, never the changed data itself.
type ChangeDescriptor struct {
	ID        int64  `json:"id"`         // Source primary key
	Table     string `json:"table"`      // Qualified source table, e.g. "public.demanda"
	EventType string `json:"event_type"` // INSERT, UPDATE, DELETE
}

// SourceRecord is a full-fidelity row fetched from the source store.
// Fields is keyed by source column name and is treated as immutable once read.
type SourceRecord struct {
	EntityType string
	ID         int64
	Fields     map[string]any
}

// DependencyReference is a foreign key embedded in a MappedRecord that must
// exist in the referenced destination table before the write is issued.
type DependencyReference struct {
	EntityType string // Registered parent entity type
	Column     string // Destination FK column carrying the reference
	ID         int64  // Referenced identifier
	Required   bool   // Required references block the write when unresolved
}

// MappedRecord is a SourceRecord transformed into the destination's shape.
// Columns is keyed by destination column name and includes the primary key.
type MappedRecord struct {
	EntityType   string
	PK           int64
	Columns      map[string]any
	Dependencies []DependencyReference
}

// RequiredDependencies returns only the references that must resolve before
// the record may be written.
func (r *MappedRecord) RequiredDependencies() []DependencyReference {
	var deps []DependencyReference
	for _, d := range r.Dependencies {
		if d.Required {
			deps = append(deps, d)
		}
	}
	return deps
}

// DivergenceRecord is a durable entry in mirror.divergence_log describing a
// write that permanently failed. It references a record's identity, not its
// content, so reprocessing always re-fetches fresh source state.
type DivergenceRecord struct {
	ID         string          `db:"id"`          // UUID
	EntityType string          `db:"entity_type"` // Registered entity type name
	EntityID   int64           `db:"entity_id"`   // Source primary key
	ErrorKind  string          `db:"error_kind"`  // One of the Kind* constants
	Message    string          `db:"message"`     // Raw error detail for diagnosis
	Payload    json.RawMessage `db:"payload"`     // Optional context (unresolved refs etc.)
	RetryCount int             `db:"retry_count"` // Incremented on repeated failures
	CreatedAt  time.Time       `db:"created_at"`
}

// ApplyResult reports the outcome of an Upsert Writer batch.
type ApplyResult struct {
	Applied int
	Failed  int
}

// ReconcileSummary reports one reconciliation pass for a single entity type.
type ReconcileSummary struct {
	EntityType string
	WindowSize int
	Missing    int
	Repaired   int
	Refreshed  int
	Failed     int
	Duration   time.Duration
}
