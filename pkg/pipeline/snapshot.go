package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/corvid/backend/pkg/analytics"
	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/linkgraph"
	"github.com/OFFIS-RIT/corvid/backend/pkg/logger"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
)

// Snapshot rebuilds the link graph of the window ending at at from stored
// records and analyses it. Nothing is written back, so it is safe to call
// from read paths while a run is in progress.
func (r *Runner) Snapshot(ctx context.Context, at time.Time) (*Output, error) {
	at = at.UTC()
	tr := r.Window(at)
	out := &Output{Summary: Summary{Window: tr, StartedAt: time.Now().UTC()}}
	sum := &out.Summary

	sources, err := r.repo.FetchSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch sources: %w", err)
	}
	events, err := store.AllEvents(ctx, r.repo, tr, store.EventFilter{ActiveOnly: true}, r.cfg.Dedupe.PageSize)
	if err != nil {
		return nil, err
	}
	recs, err := r.repo.FetchCorrelations(ctx, store.CorrelationFilter{ComputedAfter: tr})
	if err != nil {
		return nil, fmt.Errorf("fetch correlations: %w", err)
	}

	builder := linkgraph.NewBuilder(r.cfg.Graph, at)
	seeds := map[string]bool{}
	for _, id := range r.cfg.Pipeline.Seeds {
		seeds[id] = true
	}
	for _, src := range sources {
		src.Seed = src.Seed || seeds[src.ID]
		builder.AddSource(src)
	}
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			sum.MalformedEvents++
			continue
		}
		builder.AddEvent(ev)
		sum.Events++
	}
	for _, rec := range recs {
		if err := builder.AddStoredCorrelation(rec); err != nil {
			logger.Debug("[Pipeline] Skipping stored correlation", "a", rec.EntityA, "b", rec.EntityB, "err", err)
		}
	}

	out.Correlations = builder.Correlations()
	out.Graph = builder.Build()
	seedRefs := make([]string, 0, len(r.cfg.Pipeline.Seeds))
	for _, id := range r.cfg.Pipeline.Seeds {
		seedRefs = append(seedRefs, common.SourceRef(id))
	}
	out.Analytics = analytics.Analyze(out.Graph, r.cfg.Analytics, seedRefs...)

	sum.Sources = len(sources)
	sum.Graph = builder.Stats()
	sum.Correlations = len(out.Correlations)
	sum.Nodes, sum.Edges = out.Graph.NumNodes(), out.Graph.NumEdges()
	sum.Communities = len(out.Analytics.Partition.Communities)
	sum.Fallbacks = out.Analytics.Fallbacks
	sum.FinishedAt = time.Now().UTC()
	return out, nil
}
