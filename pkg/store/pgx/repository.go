// Package pgx implements store.Repository on PostgreSQL.
package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// Repository is the Postgres store. It is safe for concurrent use when conn
// is a pool.
type Repository struct {
	conn pgxIConn
	// ChunkSize bounds the rows written per transaction by bulk upserts.
	ChunkSize int
}

var _ store.Repository = (*Repository)(nil)

func New(conn pgxIConn) *Repository {
	return &Repository{conn: conn, ChunkSize: 1000}
}

// unavailable wraps a driver error so that callers can recognise it as a
// store failure.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, store.ErrUnavailable, err)
}

// tsArg maps an open range bound to NULL.
func tsArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// limitArg maps "no limit" to NULL, which Postgres treats as LIMIT ALL.
func limitArg(p store.Page) any {
	if p.Limit <= 0 {
		return nil
	}
	return p.Limit
}

func rangeArgs(tr common.TimeRange) (any, any) {
	return tsArg(tr.From), tsArg(tr.To)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func timeOf(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
