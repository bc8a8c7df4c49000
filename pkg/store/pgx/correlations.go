package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/logger"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
)

const fetchCorrelationsSQL = `
SELECT id, entity_a, entity_b, type, strength, confidence, evidence, time_delta_ns, computed_at
FROM correlations
WHERE ($1::text = '' OR entity_a = $1 OR entity_b = $1)
  AND (cardinality($2::text[]) = 0 OR type = ANY($2))
  AND confidence >= $3
  AND ($4::timestamptz IS NULL OR computed_at >= $4)
  AND ($5::timestamptz IS NULL OR computed_at <= $5)
ORDER BY entity_a, entity_b, type
`

func (r *Repository) FetchCorrelations(ctx context.Context, filter store.CorrelationFilter) ([]common.CorrelationRecord, error) {
	types := make([]string, 0, len(filter.Types))
	for _, t := range filter.Types {
		types = append(types, string(t))
	}
	from, to := rangeArgs(filter.ComputedAfter)
	rows, err := r.conn.Query(ctx, fetchCorrelationsSQL, filter.Entity, types, filter.MinConfidence, from, to)
	if err != nil {
		return nil, unavailable("fetch correlations", err)
	}
	out, err := pgxv5.CollectRows(rows, scanCorrelation)
	if err != nil {
		return nil, unavailable("scan correlations", err)
	}
	return out, nil
}

func scanCorrelation(row pgxv5.CollectableRow) (common.CorrelationRecord, error) {
	var (
		rec      common.CorrelationRecord
		typ      string
		evidence []byte
		deltaNs  int64
	)
	if err := row.Scan(&rec.ID, &rec.EntityA, &rec.EntityB, &typ, &rec.Strength, &rec.Confidence, &evidence, &deltaNs, &rec.ComputedAt); err != nil {
		return rec, err
	}
	rec.Type = common.CorrelationType(typ)
	rec.TimeDelta = time.Duration(deltaNs)
	rec.ComputedAt = rec.ComputedAt.UTC()
	ev, err := decodeEvidence(evidence)
	if err != nil {
		return rec, fmt.Errorf("correlation %s: %w", rec.ID, err)
	}
	rec.Evidence = ev
	return rec, nil
}

func encodeEvidence(ev common.Evidence) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeEvidence(raw []byte) (common.Evidence, error) {
	var ev common.Evidence
	if len(raw) == 0 {
		return ev, nil
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("decode evidence: %w: %w", common.ErrMalformedInput, err)
	}
	return ev, nil
}

// Re-running an analysis replaces the row of the natural key, which keeps
// the write idempotent.
const upsertCorrelationSQL = `
INSERT INTO correlations (id, entity_a, entity_b, type, strength, confidence, evidence, time_delta_ns, computed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (entity_a, entity_b, type) DO UPDATE
SET strength      = EXCLUDED.strength,
    confidence    = EXCLUDED.confidence,
    evidence      = EXCLUDED.evidence,
    time_delta_ns = EXCLUDED.time_delta_ns,
    computed_at   = EXCLUDED.computed_at
`

func correlationArgs(rec common.CorrelationRecord) ([]any, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	ev, err := encodeEvidence(rec.Evidence)
	if err != nil {
		return nil, fmt.Errorf("encode evidence: %w", err)
	}
	return []any{
		rec.Key().ID(),
		rec.EntityA,
		rec.EntityB,
		string(rec.Type),
		rec.Strength,
		rec.Confidence,
		ev,
		int64(rec.TimeDelta),
		rec.ComputedAt.UTC(),
	}, nil
}

func (r *Repository) UpsertCorrelation(ctx context.Context, rec common.CorrelationRecord) error {
	args, err := correlationArgs(rec)
	if err != nil {
		return err
	}
	_, err = r.conn.Exec(ctx, upsertCorrelationSQL, args...)
	return unavailable("upsert correlation "+rec.Key().String(), err)
}

// UpsertCorrelations writes recs in batches, one transaction per chunk.
func (r *Repository) UpsertCorrelations(ctx context.Context, recs []common.CorrelationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	logger.Debug("[DB][UpsertCorrelations] Bulk upserting correlations", "records", len(recs))

	err := store.ChunkRange(len(recs), r.ChunkSize, func(start, end int) error {
		tx, err := r.conn.Begin(ctx)
		if err != nil {
			return unavailable("begin", err)
		}
		defer tx.Rollback(ctx)

		batch := &pgxv5.Batch{}
		for _, rec := range recs[start:end] {
			args, err := correlationArgs(rec)
			if err != nil {
				return err
			}
			batch.Queue(upsertCorrelationSQL, args...)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return unavailable("upsert correlations", err)
		}
		return unavailable("commit", tx.Commit(ctx))
	})
	if err != nil {
		return err
	}

	logger.Debug("[DB][UpsertCorrelations] Bulk upsert completed", "records", len(recs))
	return nil
}
