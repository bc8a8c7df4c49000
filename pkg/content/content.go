// Package content links messages to events through shared place names and
// topical keywords.
package content

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/logger"
	"github.com/OFFIS-RIT/corvid/backend/pkg/rules"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
)

// Params holds the confidence model of the matcher.
type Params struct {
	BaseConfidence      float64       `yaml:"base_confidence"`
	TopicBoost          float64       `yaml:"topic_boost"`
	TemporalBoost       float64       `yaml:"temporal_boost"`
	TemporalWindow      time.Duration `yaml:"temporal_window"`
	EngagementBoost     float64       `yaml:"engagement_boost"`
	EngagementThreshold int64         `yaml:"engagement_threshold"`
	MinConfidence       float64       `yaml:"min_confidence"`
	// SearchWindow bounds the messages considered for one event.
	SearchWindow time.Duration `yaml:"search_window"`
	PageSize     int           `yaml:"page_size"`
}

func DefaultParams() Params {
	return Params{
		BaseConfidence:      0.3,
		TopicBoost:          0.4,
		TemporalBoost:       0.2,
		TemporalWindow:      6 * time.Hour,
		EngagementBoost:     0.1,
		EngagementThreshold: 1000,
		MinConfidence:       0.5,
		SearchWindow:        72 * time.Hour,
		PageSize:            store.DefaultPageSize,
	}
}

// withDefaults returns the defaults for the zero value. Any other value is
// kept as given, so an explicit zero boost or confidence from a config file
// takes effect; only the windows and the page size must be positive.
func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p == (Params{}) {
		return d
	}
	if p.TemporalWindow <= 0 {
		p.TemporalWindow = d.TemporalWindow
	}
	if p.SearchWindow <= 0 {
		p.SearchWindow = d.SearchWindow
	}
	if p.PageSize <= 0 {
		p.PageSize = d.PageSize
	}
	return p
}

// Reference is the event side of a match.
type Reference struct {
	EventID       string
	LocationLabel string
	Time          time.Time
}

// ReferenceFromEvent uses the event location label, falling back to the
// title when the label is empty.
func ReferenceFromEvent(ev common.EventRecord) Reference {
	label := ev.LocationLabel
	if strings.TrimSpace(label) == "" {
		label = ev.Title
	}
	return Reference{EventID: ev.ID, LocationLabel: label, Time: ev.Timestamp}
}

// Match is the evaluation of one message against one reference.
type Match struct {
	MessageID       string                 `json:"message_id"`
	SourceID        string                 `json:"source_id"`
	Type            common.CorrelationType `json:"type"`
	LocationMatches int                    `json:"location_matches"`
	TopicMatches    int                    `json:"topic_matches"`
	Locations       []string               `json:"locations,omitempty"`
	Keywords        []string               `json:"keywords,omitempty"`
	Engagement      int64                  `json:"engagement"`
	Confidence      float64                `json:"confidence"`
	TimeDelta       time.Duration          `json:"time_delta"`
	Annotation      common.Annotation      `json:"annotation"`

	hits int
}

// Strength grows with the number of shared locations and keywords and
// saturates at four hits.
func (m Match) Strength() float64 {
	return common.Clamp01(float64(m.LocationMatches+m.TopicMatches) / 4)
}

// Matcher scores messages against events with one rule table. It is safe for
// concurrent use.
type Matcher struct {
	params Params
	table  *rules.Table
}

// NewMatcher returns a matcher. A nil table falls back to rules.Default.
func NewMatcher(params Params, table *rules.Table) *Matcher {
	if table == nil {
		table = rules.Default
	}
	return &Matcher{params: params.withDefaults(), table: table}
}

func (m *Matcher) Params() Params { return m.params }

// Match scores candidate against ref. The second return value is false when
// the pair does not qualify for a correlation record.
func (m *Matcher) Match(ref Reference, candidate common.MessageRecord) (Match, bool) {
	p := m.params
	score := m.table.Score(candidate.Text)
	refLocations := m.table.Score(ref.LocationLabel).Names(rules.CategoryLocation)

	res := Match{
		MessageID:  candidate.ID,
		SourceID:   candidate.SourceID,
		Keywords:   score.Names(rules.CategoryTopic),
		Engagement: candidate.Engagement(),
		TimeDelta:  candidate.Timestamp.Sub(ref.Time),
		Annotation: score.Annotation(),
		hits:       len(score.Hits),
	}
	for _, loc := range score.Names(rules.CategoryLocation) {
		if slices.Contains(refLocations, loc) {
			res.Locations = append(res.Locations, loc)
		}
	}
	res.LocationMatches = len(res.Locations)
	res.TopicMatches = len(res.Keywords)

	conf := p.BaseConfidence
	if res.TopicMatches > 0 {
		conf += p.TopicBoost
	}
	if absDur(res.TimeDelta) < p.TemporalWindow {
		conf += p.TemporalBoost
	}
	if res.Engagement >= p.EngagementThreshold {
		conf += p.EngagementBoost
	}
	res.Confidence = common.Clamp01(conf)

	switch {
	case res.LocationMatches > 0:
		res.Type = common.CorrelationSpatial
	case res.TopicMatches > 0:
		res.Type = common.CorrelationContent
	default:
		return res, false
	}
	return res, res.Confidence >= p.MinConfidence
}

// Stats counts matcher outcomes.
type Stats struct {
	Evaluated int `json:"evaluated"`
	Matched   int `json:"matched"`
	Malformed int `json:"malformed"`
}

func (s *Stats) Add(o Stats) {
	s.Evaluated += o.Evaluated
	s.Matched += o.Matched
	s.Malformed += o.Malformed
}

// Annotated is the rule table annotation of one evaluated message.
type Annotated struct {
	MessageID  string            `json:"message_id"`
	Annotation common.Annotation `json:"annotation"`
}

// Result is the outcome of matching one event against a set of messages.
type Result struct {
	EventID string  `json:"event_id"`
	Matches []Match `json:"matches"`
	// Annotations holds every evaluated message with at least one rule hit,
	// matched or not, in input order.
	Annotations  []Annotated                `json:"annotations,omitempty"`
	Correlations []common.CorrelationRecord `json:"correlations"`
	Stats        Stats                      `json:"stats"`
}

// MatchAll scores every message and folds qualifying matches into one
// correlation record per (source, event, type).
func (m *Matcher) MatchAll(ref Reference, msgs []common.MessageRecord, computedAt time.Time) Result {
	res := Result{EventID: ref.EventID}
	byKey := map[common.CorrelationKey]common.CorrelationRecord{}

	for _, msg := range msgs {
		if err := msg.Validate(); err != nil {
			res.Stats.Malformed++
			continue
		}
		res.Stats.Evaluated++
		match, ok := m.Match(ref, msg)
		if match.hits > 0 {
			res.Annotations = append(res.Annotations, Annotated{MessageID: msg.ID, Annotation: match.Annotation})
		}
		if !ok {
			continue
		}
		res.Stats.Matched++
		res.Matches = append(res.Matches, match)

		rec := match.Correlation(ref.EventID, computedAt)
		if prev, ok := byKey[rec.Key()]; ok {
			rec = prev.Combine(rec)
		}
		byKey[rec.Key()] = rec
	}

	for _, rec := range byKey {
		res.Correlations = append(res.Correlations, rec)
	}
	slices.SortFunc(res.Correlations, func(a, b common.CorrelationRecord) int {
		return cmp.Compare(a.Key().String(), b.Key().String())
	})
	return res
}

// Correlation turns a match into a source-to-event record.
func (m Match) Correlation(eventID string, computedAt time.Time) common.CorrelationRecord {
	return common.NewCorrelation(
		common.SourceRef(m.SourceID),
		common.EventRef(eventID),
		m.Type,
		m.Strength(),
		m.Confidence,
		common.ContentOf(common.ContentEvidence{
			LocationMatches: m.LocationMatches,
			TopicMatches:    m.TopicMatches,
			Locations:       m.Locations,
			Keywords:        m.Keywords,
			Engagement:      m.Engagement,
			Messages:        1,
		}),
		m.TimeDelta,
		computedAt,
	)
}

// MatchEvent loads the messages around ev and matches them. When annotate is
// set, every evaluated message with a rule hit gets its annotation written
// back, whether or not it qualified for the event.
func (m *Matcher) MatchEvent(ctx context.Context, repo store.Repository, ev common.EventRecord, annotate bool, computedAt time.Time) (Result, error) {
	msgs, err := store.AllMessages(ctx, repo, "", common.Around(ev.Timestamp, m.params.SearchWindow), m.params.PageSize)
	if err != nil {
		return Result{}, fmt.Errorf("messages around event %s: %w", ev.ID, err)
	}
	res := m.MatchAll(ReferenceFromEvent(ev), msgs, computedAt)
	if annotate {
		for _, a := range res.Annotations {
			if err := repo.AnnotateMessage(ctx, a.MessageID, a.Annotation); err != nil {
				return res, fmt.Errorf("annotate message %s: %w", a.MessageID, err)
			}
		}
	}
	logger.Debug("[Content] Matched event", "event", ev.ID, "messages", len(msgs), "matches", res.Stats.Matched)
	return res, nil
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
