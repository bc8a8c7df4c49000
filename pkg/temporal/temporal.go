// Package temporal flags sources whose posting activity spikes around an
// event compared with their own recent baseline.
package temporal

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/logger"
	"github.com/OFFIS-RIT/corvid/backend/pkg/rules"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
)

const day = 24 * time.Hour

// Params holds the detector thresholds. NewDetector replaces the zero value
// with DefaultParams; in any other value only the windows, the deviation
// floor and the page size are filled in when not positive.
type Params struct {
	Window              time.Duration `yaml:"window"`
	BaselineSpan        time.Duration `yaml:"baseline_span"`
	MinBaselineMessages int           `yaml:"min_baseline_messages"`
	MinBaselineDays     int           `yaml:"min_baseline_days"`
	StdDevFloor         float64       `yaml:"std_dev_floor"`
	ZThreshold          float64       `yaml:"z_threshold"`
	BaseConfidence      float64       `yaml:"base_confidence"`
	KeywordBoost        float64       `yaml:"keyword_boost"`
	MaxKeywordBoost     float64       `yaml:"max_keyword_boost"`
	PageSize            int           `yaml:"page_size"`
}

func DefaultParams() Params {
	return Params{
		Window:              24 * time.Hour,
		BaselineSpan:        30 * day,
		MinBaselineMessages: 10,
		MinBaselineDays:     5,
		StdDevFloor:         0.1,
		ZThreshold:          2.5,
		BaseConfidence:      0.5,
		KeywordBoost:        0.1,
		MaxKeywordBoost:     0.4,
		PageSize:            store.DefaultPageSize,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p == (Params{}) {
		return d
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.BaselineSpan <= 0 {
		p.BaselineSpan = d.BaselineSpan
	}
	if p.StdDevFloor <= 0 {
		p.StdDevFloor = d.StdDevFloor
	}
	if p.PageSize <= 0 {
		p.PageSize = d.PageSize
	}
	return p
}

// Baseline describes a source's activity before the spike window.
type Baseline struct {
	Messages int     `json:"messages"`
	Days     int     `json:"days"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"std_dev"`
}

// Anomaly is the evaluation of one source around one reference time.
type Anomaly struct {
	SourceID   string   `json:"source_id"`
	SpikeCount int      `json:"spike_count"`
	Baseline   Baseline `json:"baseline"`
	Expected   float64  `json:"expected"`
	ZScore     float64  `json:"z_score"`
	Keywords   []string `json:"keywords,omitempty"`
	Strength   float64  `json:"strength"`
	Confidence float64  `json:"confidence"`
	// ClosestDelta is the offset of the spike message nearest to the
	// reference time.
	ClosestDelta time.Duration `json:"closest_delta"`
}

// Stats counts the outcome of every evaluated source.
type Stats struct {
	Evaluated    int `json:"evaluated"`
	Flagged      int `json:"flagged"`
	Inconclusive int `json:"inconclusive"`
	Degenerate   int `json:"degenerate"`
	Malformed    int `json:"malformed"`
}

// Add folds o into s.
func (s *Stats) Add(o Stats) {
	s.Evaluated += o.Evaluated
	s.Flagged += o.Flagged
	s.Inconclusive += o.Inconclusive
	s.Degenerate += o.Degenerate
	s.Malformed += o.Malformed
}

// Detector evaluates sources against their baseline. It holds no mutable
// state and is safe for concurrent use.
type Detector struct {
	params Params
	table  *rules.Table
}

// NewDetector returns a detector. A nil table falls back to rules.Default.
func NewDetector(params Params, table *rules.Table) *Detector {
	if table == nil {
		table = rules.Default
	}
	return &Detector{params: params.withDefaults(), table: table}
}

func (d *Detector) Params() Params { return d.params }

// HistoryRange is the span of messages needed to evaluate ref: the baseline
// followed by the spike window.
func (d *Detector) HistoryRange(ref time.Time) common.TimeRange {
	return common.TimeRange{
		From: ref.Add(-d.params.Window - d.params.BaselineSpan),
		To:   ref.Add(d.params.Window),
	}
}

// Evaluate computes the z-score of one source. It returns an error wrapping
// common.ErrInsufficientData when the baseline is too thin and
// common.ErrDegenerate when the expected count is zero. Malformed messages
// are ignored and reported through the second return value.
func (d *Detector) Evaluate(ref time.Time, sourceID string, history []common.MessageRecord) (Anomaly, int, error) {
	p := d.params
	windowStart := ref.Add(-p.Window)
	windowEnd := ref.Add(p.Window)
	baselineStart := windowStart.Add(-p.BaselineSpan)

	a := Anomaly{SourceID: sourceID}
	malformed := 0
	perDay := map[int64]int{}
	closest := time.Duration(math.MaxInt64)
	var spikeText []string

	for _, m := range history {
		if err := m.Validate(); err != nil {
			malformed++
			continue
		}
		ts := m.Timestamp
		switch {
		case !ts.Before(windowStart) && !ts.After(windowEnd):
			a.SpikeCount++
			spikeText = append(spikeText, m.Text)
			delta := ts.Sub(ref)
			if absDur(delta) < absDur(closest) {
				closest = delta
			}
		case !ts.Before(baselineStart) && ts.Before(windowStart):
			a.Baseline.Messages++
			perDay[int64(ts.Sub(baselineStart)/day)]++
		}
	}
	if a.SpikeCount > 0 {
		a.ClosestDelta = closest
	}

	a.Baseline.Days = len(perDay)
	if a.Baseline.Messages < p.MinBaselineMessages || a.Baseline.Days < p.MinBaselineDays {
		return a, malformed, fmt.Errorf("source %s: %d baseline messages over %d days: %w",
			sourceID, a.Baseline.Messages, a.Baseline.Days, common.ErrInsufficientData)
	}

	a.Baseline.Mean, a.Baseline.StdDev = meanStdDev(sortedCounts(perDay))

	windowDays := (2 * p.Window).Hours() / 24
	a.Expected = a.Baseline.Mean * windowDays
	if a.Expected == 0 {
		return a, malformed, fmt.Errorf("source %s: expected count is zero: %w", sourceID, common.ErrDegenerate)
	}

	sigma := a.Baseline.StdDev + p.StdDevFloor
	a.ZScore = (float64(a.SpikeCount) - a.Expected) / sigma
	a.Strength = common.Clamp01(a.ZScore / 10)

	for _, text := range spikeText {
		a.Keywords = append(a.Keywords, d.table.Score(text).Names(rules.CategoryTopic)...)
	}
	a.Keywords = common.DedupeStrings(a.Keywords)
	slices.Sort(a.Keywords)
	boost := min(float64(len(a.Keywords))*p.KeywordBoost, p.MaxKeywordBoost)
	a.Confidence = common.Clamp01(p.BaseConfidence + boost)

	return a, malformed, nil
}

// Significant reports whether a crosses the z-score threshold.
func (d *Detector) Significant(a Anomaly) bool {
	return a.ZScore >= d.params.ZThreshold
}

// Detect evaluates every source in histories and returns the significant
// anomalies ordered by descending z-score, ties broken by source ID.
func (d *Detector) Detect(ref time.Time, histories map[string][]common.MessageRecord) ([]Anomaly, Stats) {
	var (
		out   []Anomaly
		stats Stats
	)
	ids := make([]string, 0, len(histories))
	for id := range histories {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		stats.Evaluated++
		a, malformed, err := d.Evaluate(ref, id, histories[id])
		stats.Malformed += malformed
		switch {
		case errors.Is(err, common.ErrInsufficientData):
			stats.Inconclusive++
			logger.Debug("[Temporal] Inconclusive baseline", "source", id, "messages", a.Baseline.Messages, "days", a.Baseline.Days)
			continue
		case errors.Is(err, common.ErrDegenerate):
			stats.Degenerate++
			logger.Debug("[Temporal] Zero expected count", "source", id)
			continue
		}
		if !d.Significant(a) {
			continue
		}
		stats.Flagged++
		out = append(out, a)
	}

	SortAnomalies(out)
	return out, stats
}

// SortAnomalies orders by descending z-score, then source ID.
func SortAnomalies(as []Anomaly) {
	slices.SortStableFunc(as, func(a, b Anomaly) int {
		if c := cmp.Compare(b.ZScore, a.ZScore); c != 0 {
			return c
		}
		return cmp.Compare(a.SourceID, b.SourceID)
	})
}

// Correlation turns an anomaly into a temporal correlation between the source
// and the event.
func (a Anomaly) Correlation(eventID string, computedAt time.Time) common.CorrelationRecord {
	return common.NewCorrelation(
		common.SourceRef(a.SourceID),
		common.EventRef(eventID),
		common.CorrelationTemporal,
		a.Strength,
		a.Confidence,
		common.TemporalOf(common.TemporalEvidence{
			ZScore:         a.ZScore,
			SpikeCount:     a.SpikeCount,
			Expected:       a.Expected,
			BaselineMean:   a.Baseline.Mean,
			BaselineStdDev: a.Baseline.StdDev,
			Keywords:       a.Keywords,
		}),
		a.ClosestDelta,
		computedAt,
	)
}

// Result is the outcome of DetectForEvent.
type Result struct {
	EventID      string                     `json:"event_id"`
	Anomalies    []Anomaly                  `json:"anomalies"`
	Correlations []common.CorrelationRecord `json:"correlations"`
	Baselines    map[string]Baseline        `json:"baselines"`
	Stats        Stats                      `json:"stats"`
}

// DetectForEvent loads the history of every source in sourceIDs from repo
// and evaluates it around the event timestamp. Repository failures abort.
func (d *Detector) DetectForEvent(
	ctx context.Context,
	repo store.Repository,
	ev common.EventRecord,
	sourceIDs []string,
	computedAt time.Time,
) (Result, error) {
	res := Result{EventID: ev.ID, Baselines: map[string]Baseline{}}
	tr := d.HistoryRange(ev.Timestamp)

	histories := make(map[string][]common.MessageRecord, len(sourceIDs))
	for _, id := range sourceIDs {
		msgs, err := store.AllMessages(ctx, repo, id, tr, d.params.PageSize)
		if err != nil {
			return res, fmt.Errorf("history of source %s: %w", id, err)
		}
		histories[id] = msgs
	}

	res.Anomalies, res.Stats = d.Detect(ev.Timestamp, histories)
	for _, a := range res.Anomalies {
		res.Correlations = append(res.Correlations, a.Correlation(ev.ID, computedAt))
	}
	for id, msgs := range histories {
		if b, ok := d.BaselineOf(ev.Timestamp, msgs); ok {
			res.Baselines[id] = b
		}
	}
	return res, nil
}

// BaselineOf returns the baseline statistics of a history without applying
// the minimum data requirements. ok is false when the baseline is empty.
func (d *Detector) BaselineOf(ref time.Time, history []common.MessageRecord) (Baseline, bool) {
	counts := dailyCounts(ref, d.params, history)
	if len(counts) == 0 {
		return Baseline{}, false
	}
	b := Baseline{Days: len(counts)}
	for _, c := range counts {
		b.Messages += int(c)
	}
	b.Mean, b.StdDev = meanStdDev(counts)
	return b, true
}

// DailyAverage spreads the baseline messages over the whole baseline span,
// silent days included.
func (b Baseline) DailyAverage(span time.Duration) float64 {
	days := span.Hours() / 24
	if days <= 0 {
		return 0
	}
	return float64(b.Messages) / days
}

func dailyCounts(ref time.Time, p Params, history []common.MessageRecord) []float64 {
	windowStart := ref.Add(-p.Window)
	baselineStart := windowStart.Add(-p.BaselineSpan)
	perDay := map[int64]int{}
	for _, m := range history {
		if m.Validate() != nil {
			continue
		}
		if !m.Timestamp.Before(baselineStart) && m.Timestamp.Before(windowStart) {
			perDay[int64(m.Timestamp.Sub(baselineStart)/day)]++
		}
	}
	return sortedCounts(perDay)
}

func sortedCounts(perDay map[int64]int) []float64 {
	keys := make([]int64, 0, len(perDay))
	for k := range perDay {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]float64, 0, len(keys))
	for _, k := range keys {
		out = append(out, float64(perDay[k]))
	}
	return out
}

// meanStdDev returns the mean and sample standard deviation. The standard
// deviation of fewer than two values is zero.
func meanStdDev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	ss := 0.0
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
