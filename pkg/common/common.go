package common

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrInsufficientData marks a unit that was skipped because the data
	// available for it is too thin to decide anything (too few baseline days,
	// missing coordinates). It is never fatal.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrMalformedInput marks a single record that cannot be interpreted
	// (unparsable timestamp, non-numeric score). The record is skipped.
	ErrMalformedInput = errors.New("malformed input")
	// ErrDegenerate marks a computation whose result is undefined for the
	// given input (zero baseline, disconnected graph). A documented fallback
	// value is substituted.
	ErrDegenerate = errors.New("degenerate computation")
)

// EventStatus tags an event record. Tags are authoritative for every
// downstream query: only active events take part in matching and grouping.
type EventStatus string

const (
	EventStatusActive        EventStatus = "active"
	EventStatusDuplicate     EventStatus = "duplicate"
	EventStatusFalsePositive EventStatus = "false_positive"
)

// EventRecord is a single reported real-world incident.
//
// The ID is assigned at creation and never changes. Description, Confidence
// and Sources are only mutated by a deduplication merge. Records are never
// deleted; superseded records are tagged instead.
type EventRecord struct {
	ID            string      `json:"id"`
	Title         string      `json:"title"`
	Description   string      `json:"description"`
	Timestamp     time.Time   `json:"timestamp"`
	Latitude      *float64    `json:"latitude,omitempty"`
	Longitude     *float64    `json:"longitude,omitempty"`
	LocationID    string      `json:"location_id,omitempty"`
	LocationLabel string      `json:"location_label,omitempty"`
	Sources       []string    `json:"sources"`
	Confidence    float64     `json:"confidence"`
	Status        EventStatus `json:"status"`
	DuplicateOf   string      `json:"duplicate_of,omitempty"`
}

// Active reports whether the event takes part in analysis. An empty status
// is treated as active so that freshly ingested records need no tagging.
func (e EventRecord) Active() bool {
	return e.Status == "" || e.Status == EventStatusActive
}

// HasCoordinates reports whether both latitude and longitude are present.
func (e EventRecord) HasCoordinates() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// Validate returns ErrMalformedInput when the record cannot be used.
func (e EventRecord) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("event without id: %w", ErrMalformedInput)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event %s has no timestamp: %w", e.ID, ErrMalformedInput)
	}
	if e.Latitude != nil && (math.IsNaN(*e.Latitude) || *e.Latitude < -90 || *e.Latitude > 90) {
		return fmt.Errorf("event %s latitude out of range: %w", e.ID, ErrMalformedInput)
	}
	if e.Longitude != nil && (math.IsNaN(*e.Longitude) || *e.Longitude < -180 || *e.Longitude > 180) {
		return fmt.Errorf("event %s longitude out of range: %w", e.ID, ErrMalformedInput)
	}
	if math.IsNaN(e.Confidence) {
		return fmt.Errorf("event %s confidence is not a number: %w", e.ID, ErrMalformedInput)
	}
	return nil
}

// Annotation is the only mutable part of a message record. It is written by
// the keyword rule table.
type Annotation struct {
	SuspicionScore  float64  `json:"suspicion_score"`
	MatchedKeywords []string `json:"matched_keywords,omitempty"`
}

// MessageRecord is a social-channel post attributed to one source.
type MessageRecord struct {
	ID         string     `json:"id"`
	SourceID   string     `json:"source_id"`
	Text       string     `json:"text"`
	Timestamp  time.Time  `json:"timestamp"`
	Views      int64      `json:"views"`
	Forwards   int64      `json:"forwards"`
	Replies    int64      `json:"replies"`
	Annotation Annotation `json:"annotation"`
}

// Engagement is the combined interaction count of the message.
func (m MessageRecord) Engagement() int64 {
	return m.Views + m.Forwards + m.Replies
}

// Validate returns ErrMalformedInput when the record cannot be used.
func (m MessageRecord) Validate() error {
	if strings.TrimSpace(m.SourceID) == "" {
		return fmt.Errorf("message %s has no source: %w", m.ID, ErrMalformedInput)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("message %s has no timestamp: %w", m.ID, ErrMalformedInput)
	}
	if m.Views < 0 || m.Forwards < 0 || m.Replies < 0 {
		return fmt.Errorf("message %s has negative counters: %w", m.ID, ErrMalformedInput)
	}
	return nil
}

// SourceNode is a channel or account. The aggregate counters are refreshed
// by the temporal detector from the baseline it computes.
type SourceNode struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Platform         string    `json:"platform,omitempty"`
	MessageCount     int64     `json:"message_count"`
	AvgDailyMessages float64   `json:"avg_daily_messages"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	Seed             bool      `json:"seed"`
}

// RelationKind is the kind of interaction carried by a SocialRelation.
type RelationKind string

const (
	RelationMention RelationKind = "mention"
	RelationForward RelationKind = "forward"
)

// SocialRelation is an explicit interaction between two sources, produced by
// an external extractor (mentions, forwards).
type SocialRelation struct {
	FromSourceID string       `json:"from_source_id"`
	ToSourceID   string       `json:"to_source_id"`
	Kind         RelationKind `json:"kind"`
	Count        int64        `json:"count"`
}

// ClusterGroup is a set of events judged to describe the same incident.
// CanonicalID is always the earliest member and is not part of MemberIDs.
type ClusterGroup struct {
	CanonicalID string   `json:"canonical_id"`
	MemberIDs   []string `json:"member_ids"`
}

// All returns the canonical ID followed by the absorbed member IDs.
func (g ClusterGroup) All() []string {
	out := make([]string, 0, len(g.MemberIDs)+1)
	out = append(out, g.CanonicalID)
	return append(out, g.MemberIDs...)
}

// TimeRange is a closed interval of time. A zero bound is open.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t lies within the range, bounds included.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Around returns the range [t-radius, t+radius].
func Around(t time.Time, radius time.Duration) TimeRange {
	return TimeRange{From: t.Add(-radius), To: t.Add(radius)}
}

// Clamp01 clamps v into [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// DedupeStrings returns the unique non-empty values of in, keeping the first
// occurrence order.
func DedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
