package store

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
)

// DefaultPageSize is used by the scan helpers when the caller passes zero.
const DefaultPageSize = 500

func ChunkRange(total, chunkSize int, fn func(start, end int) error) error {
	if total <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = total
	}
	for start := 0; start < total; start += chunkSize {
		end := min(start+chunkSize, total)
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}

// ScanPages calls fetch with successive pages until a short page is returned.
// Errors from fetch or fn abort the scan.
func ScanPages[T any](
	ctx context.Context,
	pageSize int,
	fetch func(context.Context, Page) ([]T, error),
	fn func([]T) error,
) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	page := Page{Limit: pageSize}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		items, err := fetch(ctx, page)
		if err != nil {
			return err
		}
		if len(items) > 0 {
			if err := fn(items); err != nil {
				return err
			}
		}
		if len(items) < pageSize {
			return nil
		}
		page = page.Next()
	}
}

// AllEvents collects every event in tr that matches filter.
func AllEvents(ctx context.Context, repo Repository, tr common.TimeRange, filter EventFilter, pageSize int) ([]common.EventRecord, error) {
	var out []common.EventRecord
	err := ScanPages(ctx, pageSize, func(ctx context.Context, p Page) ([]common.EventRecord, error) {
		return repo.FetchEvents(ctx, tr, filter, p)
	}, func(items []common.EventRecord) error {
		out = append(out, items...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}

// AllMessages collects every message of sourceID in tr. An empty sourceID
// collects the messages of all sources.
func AllMessages(ctx context.Context, repo Repository, sourceID string, tr common.TimeRange, pageSize int) ([]common.MessageRecord, error) {
	var out []common.MessageRecord
	err := ScanPages(ctx, pageSize, func(ctx context.Context, p Page) ([]common.MessageRecord, error) {
		return repo.FetchMessages(ctx, sourceID, tr, p)
	}, func(items []common.MessageRecord) error {
		out = append(out, items...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return out, nil
}

// BulkCorrelationWriter is implemented by repositories that can write many
// correlations in one round trip.
type BulkCorrelationWriter interface {
	UpsertCorrelations(ctx context.Context, recs []common.CorrelationRecord) error
}

// UpsertCorrelations writes recs in chunks and stops at the first failure.
// Repositories implementing BulkCorrelationWriter get the whole slice.
func UpsertCorrelations(ctx context.Context, repo Repository, recs []common.CorrelationRecord, chunkSize int) error {
	if bulk, ok := repo.(BulkCorrelationWriter); ok {
		return bulk.UpsertCorrelations(ctx, recs)
	}
	return ChunkRange(len(recs), chunkSize, func(start, end int) error {
		for _, rec := range recs[start:end] {
			if err := repo.UpsertCorrelation(ctx, rec); err != nil {
				return fmt.Errorf("upsert correlation %s: %w", rec.ID, err)
			}
		}
		return ctx.Err()
	})
}
