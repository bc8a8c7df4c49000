package pgx

import (
	"context"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/OFFIS-RIT/corvid/backend/internal/util"
	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
)

const fetchEventsSQL = `
SELECT id, title, description, ts, latitude, longitude, location_id, location_label,
       sources, confidence, status, COALESCE(duplicate_of, '')
FROM events
WHERE ($1::timestamptz IS NULL OR ts >= $1)
  AND ($2::timestamptz IS NULL OR ts <= $2)
  AND (NOT $3::boolean OR status = 'active')
  AND (cardinality($4::text[]) = 0 OR id = ANY($4))
ORDER BY ts, id
LIMIT $5 OFFSET $6
`

func (r *Repository) FetchEvents(ctx context.Context, tr common.TimeRange, filter store.EventFilter, page store.Page) ([]common.EventRecord, error) {
	from, to := rangeArgs(tr)
	ids := filter.IDs
	if ids == nil {
		ids = []string{}
	}
	rows, err := r.conn.Query(ctx, fetchEventsSQL, from, to, filter.ActiveOnly, ids, limitArg(page), page.Offset)
	if err != nil {
		return nil, unavailable("fetch events", err)
	}
	out, err := pgxv5.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, unavailable("scan events", err)
	}
	return out, nil
}

func scanEvent(row pgxv5.CollectableRow) (common.EventRecord, error) {
	var (
		e      common.EventRecord
		status string
	)
	err := row.Scan(
		&e.ID, &e.Title, &e.Description, &e.Timestamp, &e.Latitude, &e.Longitude,
		&e.LocationID, &e.LocationLabel, &e.Sources, &e.Confidence, &status, &e.DuplicateOf,
	)
	e.Timestamp = e.Timestamp.UTC()
	e.Status = common.EventStatus(status)
	return e, err
}

const upsertEventSQL = `
INSERT INTO events (id, title, description, ts, latitude, longitude, location_id, location_label,
                    sources, confidence, status, duplicate_of)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''))
ON CONFLICT (id) DO UPDATE
SET title          = EXCLUDED.title,
    description    = EXCLUDED.description,
    ts             = EXCLUDED.ts,
    latitude       = EXCLUDED.latitude,
    longitude      = EXCLUDED.longitude,
    location_id    = EXCLUDED.location_id,
    location_label = EXCLUDED.location_label,
    sources        = EXCLUDED.sources,
    confidence     = EXCLUDED.confidence,
    status         = EXCLUDED.status,
    duplicate_of   = EXCLUDED.duplicate_of
`

// UpsertEvent inserts or replaces an event. Rows are never deleted.
func (r *Repository) UpsertEvent(ctx context.Context, ev common.EventRecord) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	status := ev.Status
	if status == "" {
		status = common.EventStatusActive
	}
	_, err := r.conn.Exec(ctx, upsertEventSQL,
		ev.ID,
		util.SanitizePostgresText(ev.Title),
		util.SanitizePostgresText(ev.Description),
		ev.Timestamp.UTC(),
		ev.Latitude,
		ev.Longitude,
		ev.LocationID,
		util.SanitizePostgresText(ev.LocationLabel),
		util.SanitizePostgresTexts(ev.Sources),
		ev.Confidence,
		string(status),
		ev.DuplicateOf,
	)
	return unavailable("upsert event "+ev.ID, err)
}
