// Package ingest loads CSV exports of sources, events, messages and social
// relations into a repository. Files are read from disk or from S3.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/logger"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
)

// Sink is the write side an import needs. Both repository implementations
// satisfy it.
type Sink interface {
	UpsertSource(ctx context.Context, src common.SourceNode) error
	UpsertEvent(ctx context.Context, ev common.EventRecord) error
	UpsertMessage(ctx context.Context, m common.MessageRecord) error
	// AddSocialRelation ignores a repeated observation with the same sources,
	// kind and non-zero observedAt.
	AddSocialRelation(ctx context.Context, rel common.SocialRelation, observedAt time.Time) error
}

// Files names the location of each CSV file. Empty entries are skipped.
type Files struct {
	Sources   string
	Events    string
	Messages  string
	Relations string
}

// Counts is the per-kind outcome of an import.
type Counts struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// Report summarizes an import.
type Report struct {
	Sources   Counts `json:"sources"`
	Events    Counts `json:"events"`
	Messages  Counts `json:"messages"`
	Relations Counts `json:"relations"`
	// Rejected lists malformed rows as "<file>: line N: reason".
	Rejected []string `json:"rejected,omitempty"`
}

// Importer reads CSV files through a Fetcher and writes them to a Sink.
type Importer struct {
	fetch Fetcher
	sink  Sink
}

func NewImporter(fetch Fetcher, sink Sink) *Importer {
	return &Importer{fetch: fetch, sink: sink}
}

// Import writes sources first, then events, messages and relations, so that
// every reference a row makes already exists. Malformed rows are skipped and
// reported. A store failure aborts the import.
//
// Importing the same files again is idempotent except for relation rows
// without observed_at: those are stamped with the import time and count as a
// new observation each time.
func (im *Importer) Import(ctx context.Context, files Files) (Report, error) {
	var rep Report

	steps := []struct {
		name     string
		location string
		run      func(ctx context.Context, data []byte, rep *Report, counts *Counts) error
		counts   *Counts
	}{
		{"sources", files.Sources, im.importSources, &rep.Sources},
		{"events", files.Events, im.importEvents, &rep.Events},
		{"messages", files.Messages, im.importMessages, &rep.Messages},
		{"relations", files.Relations, im.importRelations, &rep.Relations},
	}

	for _, step := range steps {
		if step.location == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		data, err := im.fetch.Fetch(ctx, step.location)
		if err != nil {
			return rep, fmt.Errorf("fetch %s: %w", step.name, err)
		}
		if err := step.run(ctx, data, &rep, step.counts); err != nil {
			return rep, fmt.Errorf("import %s from %s: %w", step.name, step.location, err)
		}
		logger.Info("[Ingest] Imported",
			"kind", step.name,
			"location", step.location,
			"rows", step.counts.Imported,
			"skipped", step.counts.Skipped,
		)
	}
	return rep, nil
}

func (rep *Report) reject(file string, errs []error, counts *Counts) {
	for _, err := range errs {
		rep.Rejected = append(rep.Rejected, file+": "+err.Error())
		logger.Warn("[Ingest] Skipping row", "file", file, "err", err)
	}
	counts.Skipped += len(errs)
}

// write stores one record. Store failures abort; anything else skips the row.
func write(rep *Report, file, id string, counts *Counts, err error) error {
	if err == nil {
		counts.Imported++
		return nil
	}
	if errors.Is(err, store.ErrUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	rep.reject(file, []error{fmt.Errorf("%s: %w", id, err)}, counts)
	return nil
}

func (im *Importer) importSources(ctx context.Context, data []byte, rep *Report, counts *Counts) error {
	recs, errs, err := ParseSources(data)
	if err != nil {
		return err
	}
	rep.reject("sources", errs, counts)
	for _, src := range recs {
		if err := write(rep, "sources", src.ID, counts, im.sink.UpsertSource(ctx, src)); err != nil {
			return err
		}
	}
	return nil
}

func (im *Importer) importEvents(ctx context.Context, data []byte, rep *Report, counts *Counts) error {
	recs, errs, err := ParseEvents(data)
	if err != nil {
		return err
	}
	rep.reject("events", errs, counts)
	for _, ev := range recs {
		if err := write(rep, "events", ev.ID, counts, im.sink.UpsertEvent(ctx, ev)); err != nil {
			return err
		}
	}
	return nil
}

func (im *Importer) importMessages(ctx context.Context, data []byte, rep *Report, counts *Counts) error {
	recs, errs, err := ParseMessages(data)
	if err != nil {
		return err
	}
	rep.reject("messages", errs, counts)
	for _, m := range recs {
		if err := write(rep, "messages", m.ID, counts, im.sink.UpsertMessage(ctx, m)); err != nil {
			return err
		}
	}
	return nil
}

func (im *Importer) importRelations(ctx context.Context, data []byte, rep *Report, counts *Counts) error {
	recs, errs, err := ParseRelations(data)
	if err != nil {
		return err
	}
	rep.reject("relations", errs, counts)
	for _, rel := range recs {
		id := rel.FromSourceID + "->" + rel.ToSourceID
		if err := write(rep, "relations", id, counts, im.sink.AddSocialRelation(ctx, rel.SocialRelation, rel.ObservedAt)); err != nil {
			return err
		}
	}
	return nil
}
