package pgx

import (
	"context"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/OFFIS-RIT/corvid/backend/internal/util"
	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
)

const fetchSourcesSQL = `
SELECT id, name, platform, message_count, avg_daily_messages, first_seen, last_seen, seed
FROM sources
ORDER BY id
`

func (r *Repository) FetchSources(ctx context.Context) ([]common.SourceNode, error) {
	rows, err := r.conn.Query(ctx, fetchSourcesSQL)
	if err != nil {
		return nil, unavailable("fetch sources", err)
	}
	out, err := pgxv5.CollectRows(rows, func(row pgxv5.CollectableRow) (common.SourceNode, error) {
		var (
			s           common.SourceNode
			first, last *time.Time
		)
		err := row.Scan(&s.ID, &s.Name, &s.Platform, &s.MessageCount, &s.AvgDailyMessages, &first, &last, &s.Seed)
		s.FirstSeen, s.LastSeen = timeOf(first), timeOf(last)
		return s, err
	})
	if err != nil {
		return nil, unavailable("scan sources", err)
	}
	return out, nil
}

const upsertSourceSQL = `
INSERT INTO sources (id, name, platform, message_count, avg_daily_messages, first_seen, last_seen, seed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE
SET name               = EXCLUDED.name,
    platform           = EXCLUDED.platform,
    message_count      = EXCLUDED.message_count,
    avg_daily_messages = EXCLUDED.avg_daily_messages,
    first_seen         = EXCLUDED.first_seen,
    last_seen          = EXCLUDED.last_seen,
    seed               = EXCLUDED.seed
`

func (r *Repository) UpsertSource(ctx context.Context, src common.SourceNode) error {
	_, err := r.conn.Exec(ctx, upsertSourceSQL,
		src.ID,
		util.SanitizePostgresText(src.Name),
		src.Platform,
		src.MessageCount,
		src.AvgDailyMessages,
		timePtr(src.FirstSeen),
		timePtr(src.LastSeen),
		src.Seed,
	)
	return unavailable("upsert source "+src.ID, err)
}

// Relations observed in the range are summed per (from, to, kind).
const fetchSocialRelationsSQL = `
SELECT from_source_id, to_source_id, kind, SUM(count)::bigint
FROM social_relations
WHERE ($1::timestamptz IS NULL OR observed_at >= $1)
  AND ($2::timestamptz IS NULL OR observed_at <= $2)
GROUP BY from_source_id, to_source_id, kind
ORDER BY from_source_id, to_source_id, kind
`

func (r *Repository) FetchSocialRelations(ctx context.Context, tr common.TimeRange) ([]common.SocialRelation, error) {
	from, to := rangeArgs(tr)
	rows, err := r.conn.Query(ctx, fetchSocialRelationsSQL, from, to)
	if err != nil {
		return nil, unavailable("fetch social relations", err)
	}
	out, err := pgxv5.CollectRows(rows, func(row pgxv5.CollectableRow) (common.SocialRelation, error) {
		var (
			rel  common.SocialRelation
			kind string
		)
		err := row.Scan(&rel.FromSourceID, &rel.ToSourceID, &kind, &rel.Count)
		rel.Kind = common.RelationKind(kind)
		return rel, err
	})
	if err != nil {
		return nil, unavailable("scan social relations", err)
	}
	return out, nil
}

const insertSocialRelationSQL = `
INSERT INTO social_relations (from_source_id, to_source_id, kind, count, observed_at)
VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, now()))
ON CONFLICT (from_source_id, to_source_id, kind, observed_at) DO NOTHING
`

// AddSocialRelation records one observation. A zero observedAt means now.
// Recording the same observation twice keeps the first one, so re-importing
// a relations file does not inflate interaction counts.
func (r *Repository) AddSocialRelation(ctx context.Context, rel common.SocialRelation, observedAt time.Time) error {
	_, err := r.conn.Exec(ctx, insertSocialRelationSQL,
		rel.FromSourceID,
		rel.ToSourceID,
		string(rel.Kind),
		rel.Count,
		timePtr(observedAt),
	)
	return unavailable("insert social relation "+rel.FromSourceID+"->"+rel.ToSourceID, err)
}
