package store

import (
	"context"
	"errors"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
)

// ErrUnavailable wraps every failure of the backing store. Callers treat it as
// fatal for the current run.
var ErrUnavailable = errors.New("repository unavailable")

// ErrNotFound is returned by single-record writes that address a missing row.
var ErrNotFound = errors.New("record not found")

// Page selects a window of a paginated scan. A Limit of zero means no limit.
type Page struct {
	Offset int
	Limit  int
}

// Next returns the page that follows p.
func (p Page) Next() Page {
	return Page{Offset: p.Offset + p.Limit, Limit: p.Limit}
}

// EventFilter narrows event scans.
type EventFilter struct {
	// ActiveOnly drops records tagged duplicate or false_positive.
	ActiveOnly bool
	// IDs restricts the scan to the listed records.
	IDs []string
}

// CorrelationFilter narrows correlation scans. Zero fields do not filter.
type CorrelationFilter struct {
	Entity        string
	Types         []common.CorrelationType
	MinConfidence float64
	ComputedAfter common.TimeRange
}

// Repository is the persistence boundary of the analysis core. Implementations
// must make UpsertCorrelation idempotent on the (EntityA, EntityB, Type) key
// and must never delete event records.
//
// Every method returns an error wrapping ErrUnavailable when the store cannot
// be reached.
type Repository interface {
	FetchEvents(ctx context.Context, tr common.TimeRange, filter EventFilter, page Page) ([]common.EventRecord, error)
	// FetchMessages returns messages ordered by timestamp. An empty sourceID
	// scans all sources.
	FetchMessages(ctx context.Context, sourceID string, tr common.TimeRange, page Page) ([]common.MessageRecord, error)
	FetchSources(ctx context.Context) ([]common.SourceNode, error)
	FetchSocialRelations(ctx context.Context, tr common.TimeRange) ([]common.SocialRelation, error)
	FetchCorrelations(ctx context.Context, filter CorrelationFilter) ([]common.CorrelationRecord, error)

	UpsertCorrelation(ctx context.Context, rec common.CorrelationRecord) error
	UpsertEvent(ctx context.Context, ev common.EventRecord) error
	UpsertSource(ctx context.Context, src common.SourceNode) error
	AnnotateMessage(ctx context.Context, messageID string, ann common.Annotation) error
}
