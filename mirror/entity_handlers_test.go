package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration-test entity handlers over the src/dst schema pair.

type itFiscalizadoHandler struct {
	pool *pgxpool.Pool
}

func (h *itFiscalizadoHandler) Spec() EntitySpec {
	return EntitySpec{
		Name:             "fiscalizado",
		SourceTable:      "src.fiscalizado",
		DestSchema:       "dst",
		DestTable:        "fiscalizado",
		PKColumn:         "id",
		Columns:          []string{"id", "nome", "documento", "municipio", "ativo"},
		LocalColumns:     []string{"observacoes"},
		SoftDeleteColumn: "ativo",
	}
}

func (h *itFiscalizadoHandler) FetchOne(ctx context.Context, id int64) (*SourceRecord, error) {
	recs, err := h.FetchByIDs(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

func (h *itFiscalizadoHandler) FetchByIDs(ctx context.Context, ids []int64) ([]SourceRecord, error) {
	rows, err := h.pool.Query(ctx,
		`SELECT id, nome, cpf_cnpj, municipio, ativo FROM src.fiscalizado WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch fiscalizado batch: %w", err)
	}
	defer rows.Close()

	var out []SourceRecord
	for rows.Next() {
		var (
			id                 int64
			nome               string
			cpfCnpj, municipio *string
			ativo              bool
		)
		if err := rows.Scan(&id, &nome, &cpfCnpj, &municipio, &ativo); err != nil {
			return nil, err
		}
		out = append(out, SourceRecord{
			EntityType: "fiscalizado",
			ID:         id,
			Fields: map[string]any{
				"id": id, "nome": nome, "cpf_cnpj": cpfCnpj,
				"municipio": municipio, "ativo": ativo,
			},
		})
	}
	return out, rows.Err()
}

func (h *itFiscalizadoHandler) WindowIDs(ctx context.Context, limit int) ([]int64, error) {
	return itWindowIDs(ctx, h.pool, `SELECT id FROM src.fiscalizado ORDER BY id DESC LIMIT $1`, limit)
}

func (h *itFiscalizadoHandler) Map(rec *SourceRecord) (*MappedRecord, error) {
	return &MappedRecord{
		EntityType: "fiscalizado",
		PK:         rec.ID,
		Columns: map[string]any{
			"id":        rec.ID,
			"nome":      rec.Fields["nome"],
			"documento": rec.Fields["cpf_cnpj"],
			"municipio": rec.Fields["municipio"],
			"ativo":     rec.Fields["ativo"],
		},
	}, nil
}

type itDemandaHandler struct {
	pool *pgxpool.Pool
}

func (h *itDemandaHandler) Spec() EntitySpec {
	return EntitySpec{
		Name:             "demanda",
		SourceTable:      "src.demanda",
		DestSchema:       "dst",
		DestTable:        "demanda",
		PKColumn:         "id",
		Columns:          []string{"id", "descricao", "status", "fiscalizado_id", "criado_em", "ativo"},
		LocalColumns:     []string{"prioridade_interna"},
		SoftDeleteColumn: "ativo",
	}
}

func (h *itDemandaHandler) FetchOne(ctx context.Context, id int64) (*SourceRecord, error) {
	recs, err := h.FetchByIDs(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

func (h *itDemandaHandler) FetchByIDs(ctx context.Context, ids []int64) ([]SourceRecord, error) {
	rows, err := h.pool.Query(ctx,
		`SELECT id, descricao, status, fiscalizado_id, criado_em, ativo FROM src.demanda WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch demanda batch: %w", err)
	}
	defer rows.Close()

	var out []SourceRecord
	for rows.Next() {
		var (
			id            int64
			descricao     *string
			status        string
			fiscalizadoID *int64
			criadoEm      any
			ativo         bool
		)
		if err := rows.Scan(&id, &descricao, &status, &fiscalizadoID, &criadoEm, &ativo); err != nil {
			return nil, err
		}
		out = append(out, SourceRecord{
			EntityType: "demanda",
			ID:         id,
			Fields: map[string]any{
				"id": id, "descricao": descricao, "status": status,
				"fiscalizado_id": fiscalizadoID, "criado_em": criadoEm, "ativo": ativo,
			},
		})
	}
	return out, rows.Err()
}

func (h *itDemandaHandler) WindowIDs(ctx context.Context, limit int) ([]int64, error) {
	return itWindowIDs(ctx, h.pool, `SELECT id FROM src.demanda ORDER BY id DESC LIMIT $1`, limit)
}

func (h *itDemandaHandler) Map(rec *SourceRecord) (*MappedRecord, error) {
	mapped := &MappedRecord{
		EntityType: "demanda",
		PK:         rec.ID,
		Columns: map[string]any{
			"id":             rec.ID,
			"descricao":      rec.Fields["descricao"],
			"status":         rec.Fields["status"],
			"fiscalizado_id": nil,
			"criado_em":      rec.Fields["criado_em"],
			"ativo":          rec.Fields["ativo"],
		},
	}
	if fid, ok := rec.Fields["fiscalizado_id"].(*int64); ok && fid != nil {
		mapped.Columns["fiscalizado_id"] = *fid
		mapped.Dependencies = append(mapped.Dependencies, DependencyReference{
			EntityType: "fiscalizado",
			Column:     "fiscalizado_id",
			ID:         *fid,
			Required:   true,
		})
	}
	return mapped, nil
}

// itSlowFetchHandler delays the single-row fetch, holding a notification
// application in flight long enough for lifecycle tests to race it.
type itSlowFetchHandler struct {
	itDemandaHandler
	delay time.Duration
}

func (h *itSlowFetchHandler) FetchOne(ctx context.Context, id int64) (*SourceRecord, error) {
	if err := sleepWithContext(ctx, h.delay); err != nil {
		return nil, err
	}
	return h.itDemandaHandler.FetchOne(ctx, id)
}

// itUnreachableSourceHandler simulates a source that stays down across every
// retry attempt.
type itUnreachableSourceHandler struct {
	itDemandaHandler
}

func (h *itUnreachableSourceHandler) FetchOne(ctx context.Context, id int64) (*SourceRecord, error) {
	return nil, &pgconn.PgError{Code: "08006", Message: "connection failure"}
}

func itWindowIDs(ctx context.Context, pool *pgxpool.Pool, query string, limit int) ([]int64, error) {
	rows, err := pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("read window ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
