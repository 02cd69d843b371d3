// Copyright 2025 Exata IT
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"fmt"
	"strings"
)

// EntitySpec describes how one replicated entity type maps between stores.
type EntitySpec struct {
	Name        string   // Entity type name, e.g. "demanda"
	SourceTable string   // Qualified source table, e.g. "public.demanda"
	DestSchema  string   // Destination schema
	DestTable   string   // Destination table
	PKColumn    string   // Destination primary key column
	Columns     []string // Destination columns written on upsert (must include PKColumn)

	// LocalColumns are destination-local enrichments not present upstream.
	// They are never touched by an upsert of an existing row.
	LocalColumns []string

	// SoftDeleteColumn is set to false on a DELETE event. Empty means the
	// entity has no soft-removal representation and deletes are ignored.
	SoftDeleteColumn string
}

// DestRelation returns the qualified destination relation name.
func (s EntitySpec) DestRelation() string {
	return s.DestSchema + "." + s.DestTable
}

// EntityHandler is the capability set registered per entity type. Adding an
// entity type means registering a new implementation, not editing a central
// conditional.
type EntityHandler interface {
	Spec() EntitySpec

	// FetchOne reads a single source row by primary key. A (nil, nil) return
	// means the row does not exist at the source, which callers treat as a
	// legitimate no-op.
	FetchOne(ctx context.Context, id int64) (*SourceRecord, error)

	// FetchByIDs reads the source rows for the given ids in one batched
	// id IN (...) style query. Ids missing at the source are simply absent
	// from the result.
	FetchByIDs(ctx context.Context, ids []int64) ([]SourceRecord, error)

	// WindowIDs returns up to limit source identifiers, newest first. This is
	// the bounded reconciliation window for the entity type.
	WindowIDs(ctx context.Context, limit int) ([]int64, error)

	// Map transforms a source row into the destination's shape, including any
	// dependency references the row carries.
	Map(rec *SourceRecord) (*MappedRecord, error)
}

// EntityRegistry maps entity types to their capability sets, addressable both
// by entity type name and by qualified source table.
type EntityRegistry struct {
	byName  map[string]EntityHandler
	byTable map[string]EntityHandler
	order   []string
}

func NewEntityRegistry() *EntityRegistry {
	return &EntityRegistry{
		byName:  make(map[string]EntityHandler),
		byTable: make(map[string]EntityHandler),
	}
}

// Register adds a handler to the registry. Registration order is preserved
// and used as the reconciliation iteration order, so parents should be
// registered before children.
func (r *EntityRegistry) Register(h EntityHandler) error {
	spec := h.Spec()
	if spec.Name == "" || spec.SourceTable == "" {
		return fmt.Errorf("entity spec requires Name and SourceTable")
	}
	if spec.PKColumn == "" || len(spec.Columns) == 0 {
		return fmt.Errorf("entity %q requires PKColumn and Columns", spec.Name)
	}
	pkPresent := false
	for _, c := range spec.Columns {
		if c == spec.PKColumn {
			pkPresent = true
			break
		}
	}
	if !pkPresent {
		return fmt.Errorf("entity %q: Columns must include PKColumn %q", spec.Name, spec.PKColumn)
	}

	name := strings.ToLower(spec.Name)
	table := strings.ToLower(spec.SourceTable)
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("entity %q already registered", spec.Name)
	}
	if _, dup := r.byTable[table]; dup {
		return fmt.Errorf("source table %q already registered", spec.SourceTable)
	}

	r.byName[name] = h
	r.byTable[table] = h
	r.order = append(r.order, name)
	return nil
}

// ByName looks a handler up by entity type name.
func (r *EntityRegistry) ByName(name string) (EntityHandler, bool) {
	h, ok := r.byName[strings.ToLower(name)]
	return h, ok
}

// BySourceTable looks a handler up by qualified source table. Unqualified
// names default to the public schema, matching notification payloads.
func (r *EntityRegistry) BySourceTable(table string) (EntityHandler, bool) {
	key := strings.ToLower(table)
	if !strings.Contains(key, ".") {
		key = "public." + key
	}
	h, ok := r.byTable[key]
	return h, ok
}

// Names returns entity type names in registration order.
func (r *EntityRegistry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
