// Package dedupe finds event records that describe the same incident and
// merges them into the earliest report.
package dedupe

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/logger"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
)

// Deduplicator compares, groups and merges events. It holds no mutable state.
type Deduplicator struct {
	params Params
}

func NewDeduplicator(params Params) *Deduplicator {
	return &Deduplicator{params: params.withDefaults()}
}

func (d *Deduplicator) Params() Params { return d.params }

// Report is the outcome of one deduplication run.
type Report struct {
	Entries   []ReportEntry `json:"entries"`
	Scanned   int           `json:"scanned"`
	Absorbed  int           `json:"absorbed"`
	Malformed int           `json:"malformed"`
	Skipped   int           `json:"skipped"`
}

// Run scans the active events of tr, groups and merges duplicates and writes
// every touched record back. A repository failure aborts the run; groups
// written before the failure stay written.
func (d *Deduplicator) Run(ctx context.Context, repo store.Repository, tr common.TimeRange) (Report, error) {
	var report Report
	events, err := store.AllEvents(ctx, repo, tr, store.EventFilter{ActiveOnly: true}, d.params.PageSize)
	if err != nil {
		return report, err
	}
	report.Scanned = len(events)

	byID := make(map[string]common.EventRecord, len(events))
	valid := events[:0:0]
	for _, e := range events {
		if err := e.Validate(); err != nil {
			report.Malformed++
			logger.Debug("[Dedupe] Skipping malformed event", "event", e.ID, "err", err)
			continue
		}
		byID[e.ID] = e
		valid = append(valid, e)
	}

	groups := d.Group(valid)
	logger.Debug("[Dedupe] Grouped events", "events", len(valid), "groups", len(groups))

	for _, g := range groups {
		res, err := d.Merge(g, byID)
		if err != nil {
			if errors.Is(err, common.ErrInsufficientData) {
				report.Skipped++
				continue
			}
			return report, err
		}
		if err := d.write(ctx, repo, res); err != nil {
			return report, err
		}
		report.Entries = append(report.Entries, res.Entry)
		report.Absorbed += len(res.Absorbed)
	}

	logger.Info("[Dedupe] Run finished", "scanned", report.Scanned, "groups", len(report.Entries), "absorbed", report.Absorbed)
	return report, nil
}

// write stores the canonical record before its absorbed members so that an
// interrupted run never leaves a duplicate pointing at a stale canonical.
func (d *Deduplicator) write(ctx context.Context, repo store.Repository, res MergeResult) error {
	if err := repo.UpsertEvent(ctx, res.Canonical); err != nil {
		return fmt.Errorf("upsert canonical %s: %w", res.Canonical.ID, err)
	}
	for _, a := range res.Absorbed {
		if err := repo.UpsertEvent(ctx, a); err != nil {
			return fmt.Errorf("upsert absorbed %s: %w", a.ID, err)
		}
	}
	return nil
}

// ErrAbsorbed is returned when a review targets an event that was merged into
// another. Its sources and confidence already live on the canonical record.
var ErrAbsorbed = errors.New("event absorbed by a duplicate group")

// MarkFalsePositive tags an event as a false positive. The record stays in
// the repository but drops out of every active view. An absorbed duplicate is
// refused with ErrAbsorbed; the canonical event is the one to review.
func MarkFalsePositive(ctx context.Context, repo store.Repository, ev common.EventRecord) (common.EventRecord, error) {
	if ev.Status == common.EventStatusDuplicate {
		return ev, fmt.Errorf("event %s, canonical %s: %w", ev.ID, ev.DuplicateOf, ErrAbsorbed)
	}
	ev.Status = common.EventStatusFalsePositive
	ev.DuplicateOf = ""
	if err := repo.UpsertEvent(ctx, ev); err != nil {
		return ev, fmt.Errorf("tag event %s: %w", ev.ID, err)
	}
	logger.Info("[Dedupe] Event tagged as false positive", "event", ev.ID)
	return ev, nil
}
