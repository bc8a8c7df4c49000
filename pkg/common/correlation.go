package common

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CorrelationType names the dimension along which two entities are related.
type CorrelationType string

const (
	CorrelationTemporal CorrelationType = "temporal"
	CorrelationSpatial  CorrelationType = "spatial"
	CorrelationSocial   CorrelationType = "social"
	CorrelationContent  CorrelationType = "content"
)

// Valid reports whether t is one of the known correlation types.
func (t CorrelationType) Valid() bool {
	switch t {
	case CorrelationTemporal, CorrelationSpatial, CorrelationSocial, CorrelationContent:
		return true
	}
	return false
}

// Entity kinds used in EntityRef values.
const (
	RefSource  = "source"
	RefEvent   = "event"
	RefMessage = "message"
	RefCluster = "cluster"
)

// SourceRef returns the entity reference of a source node.
func SourceRef(id string) string { return RefSource + ":" + id }

// EventRef returns the entity reference of an event record.
func EventRef(id string) string { return RefEvent + ":" + id }

// ClusterRef returns the entity reference of a keyword-cluster pseudo-node.
// Keywords are sorted and deduplicated so that the same keyword set always
// yields the same reference.
func ClusterRef(keywords []string) string {
	kws := DedupeStrings(keywords)
	slices.Sort(kws)
	return RefCluster + ":" + strings.Join(kws, "+")
}

// ParseRef splits an entity reference into its kind and id.
func ParseRef(ref string) (kind, id string, err error) {
	kind, id, ok := strings.Cut(ref, ":")
	if !ok || kind == "" || id == "" {
		return "", "", fmt.Errorf("entity reference %q: %w", ref, ErrMalformedInput)
	}
	return kind, id, nil
}

// CorrelationKey is the natural key of a correlation record. Two records with
// the same key describe the same relationship and are upserted, never
// duplicated.
type CorrelationKey struct {
	EntityA string
	EntityB string
	Type    CorrelationType
}

func (k CorrelationKey) String() string {
	return k.EntityA + "|" + k.EntityB + "|" + string(k.Type)
}

// correlationNamespace seeds the UUIDv5 identifiers of correlation records.
var correlationNamespace = uuid.MustParse("6c1f3a52-2f0e-4c8b-9a6e-3d0b5f1e7a41")

// ID returns the deterministic identifier of the key.
func (k CorrelationKey) ID() string {
	return uuid.NewSHA1(correlationNamespace, []byte(k.String())).String()
}

// CorrelationRecord is a scored, typed relationship between two entities.
type CorrelationRecord struct {
	ID         string          `json:"id"`
	EntityA    string          `json:"entity_a"`
	EntityB    string          `json:"entity_b"`
	Type       CorrelationType `json:"type"`
	Strength   float64         `json:"strength"`
	Confidence float64         `json:"confidence"`
	Evidence   Evidence        `json:"evidence"`
	TimeDelta  time.Duration   `json:"time_delta"`
	ComputedAt time.Time       `json:"computed_at"`
}

// NewCorrelation builds a record with clamped scores and a deterministic ID.
func NewCorrelation(
	entityA, entityB string,
	typ CorrelationType,
	strength, confidence float64,
	evidence Evidence,
	timeDelta time.Duration,
	computedAt time.Time,
) CorrelationRecord {
	rec := CorrelationRecord{
		EntityA:    entityA,
		EntityB:    entityB,
		Type:       typ,
		Strength:   Clamp01(strength),
		Confidence: Clamp01(confidence),
		Evidence:   evidence,
		TimeDelta:  timeDelta,
		ComputedAt: computedAt.UTC(),
	}
	rec.ID = rec.Key().ID()
	return rec
}

// Key returns the natural key of the record.
func (c CorrelationRecord) Key() CorrelationKey {
	return CorrelationKey{EntityA: c.EntityA, EntityB: c.EntityB, Type: c.Type}
}

// Validate checks the structural invariants of a record.
func (c CorrelationRecord) Validate() error {
	if c.EntityA == "" || c.EntityB == "" {
		return fmt.Errorf("correlation %s has an empty endpoint: %w", c.ID, ErrMalformedInput)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("correlation %s has unknown type %q: %w", c.ID, c.Type, ErrMalformedInput)
	}
	if kind := c.Evidence.Kind(); kind != "" && kind != c.Type {
		// spatial and content records share the content evidence variant
		if !(c.Type == CorrelationSpatial && kind == CorrelationContent) {
			return fmt.Errorf("correlation %s evidence %q does not match type %q: %w", c.ID, kind, c.Type, ErrMalformedInput)
		}
	}
	if c.Strength < 0 || c.Strength > 1 || c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("correlation %s scores out of range: %w", c.ID, ErrMalformedInput)
	}
	return nil
}

// Combine folds other into c. Both must share the same key. Scores keep the
// maximum, evidence counters are summed.
func (c CorrelationRecord) Combine(other CorrelationRecord) CorrelationRecord {
	out := c
	out.Strength = max(c.Strength, other.Strength)
	out.Confidence = max(c.Confidence, other.Confidence)
	out.Evidence = c.Evidence.Merge(other.Evidence)
	if other.ComputedAt.After(out.ComputedAt) {
		out.ComputedAt = other.ComputedAt
	}
	if absDuration(other.TimeDelta) < absDuration(out.TimeDelta) {
		out.TimeDelta = other.TimeDelta
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
