package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testSpec() EntitySpec {
	return EntitySpec{
		Name:             "demanda",
		SourceTable:      "public.demanda",
		DestSchema:       "public",
		DestTable:        "demanda",
		PKColumn:         "id",
		Columns:          []string{"id", "descricao", "status", "fiscalizado_id"},
		LocalColumns:     []string{"prioridade_interna"},
		SoftDeleteColumn: "ativo",
	}
}

func TestUpsertSQL(t *testing.T) {
	sql := upsertSQL(testSpec())

	assert.Contains(t, sql, `INSERT INTO "public"."demanda" ("id", "descricao", "status", "fiscalizado_id")`)
	assert.Contains(t, sql, `VALUES ($1, $2, $3, $4)`)
	assert.Contains(t, sql, `ON CONFLICT ("id") DO UPDATE SET`)
	assert.Contains(t, sql, `"descricao" = EXCLUDED."descricao"`)
	// Replicated columns are the single source of truth; the pk is the
	// conflict target, not an update target.
	assert.NotContains(t, sql, `"id" = EXCLUDED."id"`)
	// Destination-local enrichments are never part of the update list.
	assert.NotContains(t, sql, "prioridade_interna")
}

func TestUpsertSQL_PKOnlyEntity(t *testing.T) {
	spec := testSpec()
	spec.Columns = []string{"id"}
	sql := upsertSQL(spec)
	assert.Contains(t, sql, `ON CONFLICT ("id") DO NOTHING`)
}

func TestInsertIfAbsentSQL(t *testing.T) {
	sql := insertIfAbsentSQL(testSpec())
	assert.Contains(t, sql, `ON CONFLICT ("id") DO NOTHING`)
	assert.NotContains(t, sql, "DO UPDATE")
}

func TestSoftDeleteSQL(t *testing.T) {
	sql := softDeleteSQL(testSpec())
	assert.Equal(t, `UPDATE "public"."demanda" SET "ativo" = FALSE WHERE "id" = $1`, sql)
}

func TestColumnValues_OrderedPerSpec(t *testing.T) {
	rec := &MappedRecord{
		EntityType: "demanda",
		PK:         500,
		Columns: map[string]any{
			"status":         "aberta",
			"id":             int64(500),
			"descricao":      "vistoria",
			"fiscalizado_id": int64(77),
		},
	}
	vals := columnValues(testSpec(), rec)
	assert.Equal(t, []any{int64(500), "vistoria", "aberta", int64(77)}, vals)
}

func TestColumnValues_MissingColumnIsNull(t *testing.T) {
	rec := &MappedRecord{EntityType: "demanda", PK: 1, Columns: map[string]any{"id": int64(1)}}
	vals := columnValues(testSpec(), rec)
	assert.Equal(t, int64(1), vals[0])
	assert.Nil(t, vals[1])
	assert.Nil(t, vals[3])
}

func TestGroupByEntity(t *testing.T) {
	records := []*MappedRecord{
		{EntityType: "demanda", PK: 1},
		{EntityType: "fiscalizado", PK: 2},
		{EntityType: "demanda", PK: 3},
	}
	groups := groupByEntity(records)

	assert.Len(t, groups, 2)
	assert.Equal(t, "demanda", groups[0].entityType)
	assert.Len(t, groups[0].records, 2)
	assert.Equal(t, "fiscalizado", groups[1].entityType)
	assert.Len(t, groups[1].records, 1)
}

func TestDedupeByPK_KeepsLast(t *testing.T) {
	first := &MappedRecord{EntityType: "demanda", PK: 1, Columns: map[string]any{"status": "aberta"}}
	second := &MappedRecord{EntityType: "demanda", PK: 1, Columns: map[string]any{"status": "fechada"}}
	other := &MappedRecord{EntityType: "demanda", PK: 2}

	out := dedupeByPK([]*MappedRecord{first, other, second})
	assert.Len(t, out, 2)
	assert.Equal(t, "fechada", out[0].Columns["status"])
	assert.Equal(t, int64(2), out[1].PK)
}

func TestRequiredDependencies(t *testing.T) {
	rec := &MappedRecord{
		Dependencies: []DependencyReference{
			{EntityType: "fiscalizado", ID: 77, Required: true},
			{EntityType: "orgao", ID: 3, Required: false},
		},
	}
	deps := rec.RequiredDependencies()
	assert.Len(t, deps, 1)
	assert.Equal(t, int64(77), deps[0].ID)
}

func TestDedupeIDs(t *testing.T) {
	assert.Equal(t, []int64{3, 1, 2}, dedupeIDs([]int64{3, 1, 3, 2, 1}))
	assert.Empty(t, dedupeIDs(nil))
}
