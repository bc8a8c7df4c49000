// Package pipeline runs one full analysis batch: deduplication, temporal and
// content correlation, graph assembly and analytics.
package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/OFFIS-RIT/corvid/backend/internal/timing"
	"github.com/OFFIS-RIT/corvid/backend/pkg/analytics"
	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/config"
	"github.com/OFFIS-RIT/corvid/backend/pkg/content"
	"github.com/OFFIS-RIT/corvid/backend/pkg/dedupe"
	"github.com/OFFIS-RIT/corvid/backend/pkg/leaselock"
	"github.com/OFFIS-RIT/corvid/backend/pkg/linkgraph"
	"github.com/OFFIS-RIT/corvid/backend/pkg/logger"
	"github.com/OFFIS-RIT/corvid/backend/pkg/rules"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
	"github.com/OFFIS-RIT/corvid/backend/pkg/temporal"
)

// Runner executes analysis batches against one repository.
type Runner struct {
	repo     store.Repository
	cfg      *config.Analysis
	locker   leaselock.Locker
	table    *rules.Table
	detector *temporal.Detector
	matcher  *content.Matcher
	dedup    *dedupe.Deduplicator
}

// NewRunner builds the stage components from cfg. A nil locker runs without
// a lease.
func NewRunner(repo store.Repository, cfg *config.Analysis, locker leaselock.Locker) (*Runner, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	table, err := cfg.Table()
	if err != nil {
		return nil, fmt.Errorf("rule table: %w", err)
	}
	return newRunner(repo, cfg, locker, table), nil
}

func newRunner(repo store.Repository, cfg *config.Analysis, locker leaselock.Locker, table *rules.Table) *Runner {
	return &Runner{
		repo:     repo,
		cfg:      cfg,
		locker:   locker,
		table:    table,
		detector: temporal.NewDetector(cfg.Temporal, table),
		matcher:  content.NewMatcher(cfg.Content, table),
		dedup:    dedupe.NewDeduplicator(cfg.Dedupe),
	}
}

// Output is the result of a run.
type Output struct {
	Summary      Summary                    `json:"summary"`
	Correlations []common.CorrelationRecord `json:"correlations"`
	Dedupe       dedupe.Report              `json:"dedupe"`
	Analytics    analytics.Report           `json:"analytics"`
	Graph        *linkgraph.Graph           `json:"-"`
}

// EventReport returns the correlations that point at the event, strongest
// first.
func (o *Output) EventReport(eventID string) []common.CorrelationRecord {
	ref := common.EventRef(eventID)
	var out []common.CorrelationRecord
	for _, rec := range o.Correlations {
		if rec.EntityB == ref || rec.EntityA == ref {
			out = append(out, rec)
		}
	}
	slices.SortStableFunc(out, func(a, b common.CorrelationRecord) int {
		if c := cmp.Compare(b.Strength, a.Strength); c != 0 {
			return c
		}
		return cmp.Compare(a.Key().String(), b.Key().String())
	})
	return out
}

// Window returns the analysis window that ends at at.
func (r *Runner) Window(at time.Time) common.TimeRange {
	return common.TimeRange{From: at.Add(-r.cfg.Pipeline.Window), To: at}
}

// Run analyses the window ending at at. Every derived record is stamped with
// at, so running twice over unchanged data writes identical records.
//
// A failing unit (one source or one event) is logged, counted and skipped.
// Repository failures abort the run.
func (r *Runner) Run(ctx context.Context, at time.Time) (*Output, error) {
	at = at.UTC()
	tr := r.Window(at)
	if r.locker == nil {
		return r.run(ctx, at, tr)
	}
	var out *Output
	err := r.locker.WithLease(ctx, leaselock.WindowKey(tr), func(ctx context.Context) error {
		var err error
		out, err = r.run(ctx, at, tr)
		return err
	})
	return out, err
}

type unitResult struct {
	builder  *linkgraph.Builder
	temporal temporal.Stats
	content  content.Stats
	matched  []string
	source   *common.SourceNode
	failed   bool
}

func (r *Runner) run(ctx context.Context, at time.Time, tr common.TimeRange) (*Output, error) {
	runID, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	out := &Output{Summary: Summary{RunID: runID, Window: tr, StartedAt: time.Now().UTC()}}
	sum := &out.Summary
	clock := timing.NewRecorder()
	defer func() { sum.Stages = clock.Stages() }()
	logger.Info("[Pipeline] Run started", "run", runID, "from", tr.From, "to", tr.To)

	if r.cfg.Pipeline.Deduplicate {
		stop := clock.Start("dedupe")
		rep, err := r.dedup.Run(ctx, r.repo, tr)
		stop()
		if err != nil {
			return nil, fmt.Errorf("deduplicate: %w", err)
		}
		out.Dedupe = rep
		sum.Dedupe = DedupeSummary{
			Scanned:   rep.Scanned,
			Groups:    len(rep.Entries),
			Absorbed:  rep.Absorbed,
			Malformed: rep.Malformed,
			Skipped:   rep.Skipped,
		}
	}

	all, err := store.AllEvents(ctx, r.repo, tr, store.EventFilter{ActiveOnly: true}, r.cfg.Dedupe.PageSize)
	if err != nil {
		return nil, err
	}
	events := all[:0:0]
	for _, ev := range all {
		if err := ev.Validate(); err != nil {
			sum.MalformedEvents++
			continue
		}
		events = append(events, ev)
	}
	sources, err := r.repo.FetchSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch sources: %w", err)
	}
	sum.Events, sum.Sources = len(events), len(sources)

	// one unit per source for temporal detection, then one per event for
	// content matching; every unit fills its own slot
	results := make([]unitResult, len(sources)+len(events))
	stopUnits := clock.Start("units")
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(1, r.cfg.Pipeline.Parallelism))
	for i, src := range sources {
		eg.Go(func() error {
			res, err := r.sourceUnit(egCtx, src, events, at)
			return r.settle(&results[i], res, err, "source", src.ID)
		})
	}
	for j, ev := range events {
		eg.Go(func() error {
			res, err := r.eventUnit(egCtx, ev, at)
			return r.settle(&results[len(sources)+j], res, err, "event", ev.ID)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	stopUnits()
	stopAssemble := clock.Start("assemble")

	// aggregation barrier: everything below runs on one goroutine
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
		builder.AddEvent(ev)
	}

	matched := map[string]bool{}
	var updates []common.SourceNode
	for _, res := range results {
		if res.failed {
			sum.FailedUnits++
			continue
		}
		sum.Temporal.Add(res.temporal)
		sum.Content.Add(res.content)
		if res.builder != nil {
			builder.Merge(res.builder)
		}
		for _, id := range res.matched {
			matched[id] = true
		}
		if res.source != nil {
			updates = append(updates, *res.source)
		}
	}

	relations, err := r.repo.FetchSocialRelations(ctx, tr)
	if err != nil {
		return nil, fmt.Errorf("fetch social relations: %w", err)
	}
	for _, rel := range relations {
		if err := builder.AddSocialRelation(rel); err != nil {
			sum.MalformedRelations++
			logger.Debug("[Pipeline] Skipping social relation", "from", rel.FromSourceID, "to", rel.ToSourceID, "err", err)
		}
	}

	if err := r.cluster(ctx, builder, tr, matched); err != nil {
		return nil, err
	}

	out.Correlations = builder.Correlations()
	stopAssemble()
	stopPersist := clock.Start("persist")
	if err := store.UpsertCorrelations(ctx, r.repo, out.Correlations, store.DefaultPageSize); err != nil {
		return nil, err
	}
	for _, src := range updates {
		if err := r.repo.UpsertSource(ctx, src); err != nil {
			return nil, fmt.Errorf("update source %s: %w", src.ID, err)
		}
	}
	sum.UpdatedSources = len(updates)
	stopPersist()

	stopAnalyze := clock.Start("analyze")
	out.Graph = builder.Build()
	seedRefs := make([]string, 0, len(r.cfg.Pipeline.Seeds))
	for _, id := range r.cfg.Pipeline.Seeds {
		seedRefs = append(seedRefs, common.SourceRef(id))
	}
	out.Analytics = analytics.Analyze(out.Graph, r.cfg.Analytics, seedRefs...)
	stopAnalyze()

	sum.Graph = builder.Stats()
	sum.Correlations = len(out.Correlations)
	sum.Nodes, sum.Edges = out.Graph.NumNodes(), out.Graph.NumEdges()
	sum.Communities = len(out.Analytics.Partition.Communities)
	sum.Fallbacks = out.Analytics.Fallbacks
	sum.FinishedAt = time.Now().UTC()

	logger.Info("[Pipeline] Run finished",
		"run", runID,
		"events", sum.Events,
		"sources", sum.Sources,
		"correlations", sum.Correlations,
		"failed_units", sum.FailedUnits,
		"inconclusive", sum.Temporal.Inconclusive,
		"malformed", sum.Malformed(),
		"duration", sum.Duration(),
	)
	return out, nil
}

// settle stores a unit result. Repository and context errors are returned
// and abort the group; any other error marks the unit failed.
func (r *Runner) settle(slot *unitResult, res unitResult, err error, kind, id string) error {
	if err == nil {
		*slot = res
		return nil
	}
	if errors.Is(err, store.ErrUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	logger.Warn("[Pipeline] Unit failed, skipping", "unit", kind, "id", id, "err", err)
	*slot = unitResult{failed: true}
	return nil
}

// sourceUnit loads the history of one source once and evaluates it against
// every event.
func (r *Runner) sourceUnit(ctx context.Context, src common.SourceNode, events []common.EventRecord, at time.Time) (unitResult, error) {
	res := unitResult{builder: linkgraph.NewBuilder(r.cfg.Graph, at)}
	if src.ID == "" {
		return res, fmt.Errorf("source without id: %w", common.ErrMalformedInput)
	}
	if len(events) == 0 {
		return res, nil
	}

	first, last := events[0].Timestamp, events[0].Timestamp
	for _, ev := range events[1:] {
		if ev.Timestamp.Before(first) {
			first = ev.Timestamp
		}
		if ev.Timestamp.After(last) {
			last = ev.Timestamp
		}
	}
	tr := common.TimeRange{
		From: r.detector.HistoryRange(first).From,
		To:   r.detector.HistoryRange(last).To,
	}
	history, err := store.AllMessages(ctx, r.repo, src.ID, tr, r.cfg.Temporal.PageSize)
	if err != nil {
		return res, fmt.Errorf("history of source %s: %w", src.ID, err)
	}

	histories := map[string][]common.MessageRecord{src.ID: history}
	for _, ev := range events {
		anomalies, stats := r.detector.Detect(ev.Timestamp, histories)
		res.temporal.Add(stats)
		for _, a := range anomalies {
			if err := res.builder.AddCorrelation(a.Correlation(ev.ID, at)); err != nil {
				return res, err
			}
		}
	}

	// refresh the source's activity level from the baseline of the latest event
	if b, ok := r.detector.BaselineOf(last, history); ok {
		avg := b.DailyAverage(r.detector.Params().BaselineSpan)
		if math.Abs(avg-src.AvgDailyMessages) > 1e-9 {
			src.AvgDailyMessages = avg
			res.source = &src
		}
	}
	return res, nil
}

// eventUnit matches the messages around one event.
func (r *Runner) eventUnit(ctx context.Context, ev common.EventRecord, at time.Time) (unitResult, error) {
	res := unitResult{builder: linkgraph.NewBuilder(r.cfg.Graph, at)}
	m, err := r.matcher.MatchEvent(ctx, r.repo, ev, r.cfg.Pipeline.Annotate, at)
	if err != nil {
		return res, err
	}
	res.content = m.Stats
	for _, match := range m.Matches {
		res.matched = append(res.matched, match.MessageID)
	}
	for _, rec := range m.Correlations {
		if err := res.builder.AddCorrelation(rec); err != nil {
			return res, err
		}
	}
	return res, nil
}

// cluster links every message of the window that matched no event to the
// cluster of its topical keywords. Messages far from any event are included.
func (r *Runner) cluster(ctx context.Context, builder *linkgraph.Builder, tr common.TimeRange, matched map[string]bool) error {
	msgs, err := store.AllMessages(ctx, r.repo, "", tr, r.matcher.Params().PageSize)
	if err != nil {
		return fmt.Errorf("messages of window: %w", err)
	}
	for _, msg := range msgs {
		if matched[msg.ID] || msg.Validate() != nil {
			continue
		}
		kws := r.table.Score(msg.Text).Names(rules.CategoryTopic)
		if len(kws) == 0 {
			continue
		}
		if _, err := builder.AddKeywordCluster(msg, kws); err != nil {
			logger.Debug("[Pipeline] Skipping keyword cluster", "message", msg.ID, "err", err)
		}
	}
	return nil
}
