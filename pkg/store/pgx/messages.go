package pgx

import (
	"context"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/OFFIS-RIT/corvid/backend/internal/util"
	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
)

const fetchMessagesSQL = `
SELECT id, source_id, text, ts, views, forwards, replies, suspicion_score, matched_keywords
FROM messages
WHERE ($1::text = '' OR source_id = $1)
  AND ($2::timestamptz IS NULL OR ts >= $2)
  AND ($3::timestamptz IS NULL OR ts <= $3)
ORDER BY ts, id
LIMIT $4 OFFSET $5
`

func (r *Repository) FetchMessages(ctx context.Context, sourceID string, tr common.TimeRange, page store.Page) ([]common.MessageRecord, error) {
	from, to := rangeArgs(tr)
	rows, err := r.conn.Query(ctx, fetchMessagesSQL, sourceID, from, to, limitArg(page), page.Offset)
	if err != nil {
		return nil, unavailable("fetch messages", err)
	}
	out, err := pgxv5.CollectRows(rows, func(row pgxv5.CollectableRow) (common.MessageRecord, error) {
		var m common.MessageRecord
		err := row.Scan(
			&m.ID, &m.SourceID, &m.Text, &m.Timestamp, &m.Views, &m.Forwards, &m.Replies,
			&m.Annotation.SuspicionScore, &m.Annotation.MatchedKeywords,
		)
		m.Timestamp = m.Timestamp.UTC()
		if len(m.Annotation.MatchedKeywords) == 0 {
			m.Annotation.MatchedKeywords = nil
		}
		return m, err
	})
	if err != nil {
		return nil, unavailable("scan messages", err)
	}
	return out, nil
}

const annotateMessageSQL = `
UPDATE messages
SET suspicion_score = $2, matched_keywords = $3
WHERE id = $1
`

func (r *Repository) AnnotateMessage(ctx context.Context, messageID string, ann common.Annotation) error {
	tag, err := r.conn.Exec(ctx, annotateMessageSQL, messageID, common.Clamp01(ann.SuspicionScore), util.SanitizePostgresTexts(ann.MatchedKeywords))
	if err != nil {
		return unavailable("annotate message "+messageID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	return nil
}

// Re-imported messages keep their annotation; only the raw fields are replaced.
const upsertMessageSQL = `
INSERT INTO messages (id, source_id, text, ts, views, forwards, replies)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE
SET source_id = EXCLUDED.source_id,
    text      = EXCLUDED.text,
    ts        = EXCLUDED.ts,
    views     = EXCLUDED.views,
    forwards  = EXCLUDED.forwards,
    replies   = EXCLUDED.replies
`

func (r *Repository) UpsertMessage(ctx context.Context, m common.MessageRecord) error {
	_, err := r.conn.Exec(ctx, upsertMessageSQL,
		m.ID,
		m.SourceID,
		util.SanitizePostgresText(m.Text),
		m.Timestamp.UTC(),
		m.Views,
		m.Forwards,
		m.Replies,
	)
	return unavailable("upsert message "+m.ID, err)
}
