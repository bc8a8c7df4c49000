// Package memory is an in-process Repository used by tests and by the CLI
// when it runs against a fixture file instead of Postgres.
package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
)

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu           sync.RWMutex
	events       map[string]common.EventRecord
	messages     map[string]common.MessageRecord
	sources      map[string]common.SourceNode
	relations    []common.SocialRelation
	observed     map[observation]struct{}
	correlations map[common.CorrelationKey]common.CorrelationRecord
	failWith     error
}

// observation identifies one timestamped relation row.
type observation struct {
	from, to string
	kind     common.RelationKind
	at       int64
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		events:       map[string]common.EventRecord{},
		messages:     map[string]common.MessageRecord{},
		sources:      map[string]common.SourceNode{},
		observed:     map[observation]struct{}{},
		correlations: map[common.CorrelationKey]common.CorrelationRecord{},
	}
}

// Fixture is the JSON layout accepted by Load and produced by Dump.
type Fixture struct {
	Events       []common.EventRecord       `json:"events"`
	Messages     []common.MessageRecord     `json:"messages"`
	Sources      []common.SourceNode        `json:"sources"`
	Relations    []common.SocialRelation    `json:"relations"`
	Correlations []common.CorrelationRecord `json:"correlations,omitempty"`
}

// Load decodes a fixture from r into a new Store.
func Load(r io.Reader) (*Store, error) {
	var fx Fixture
	if err := json.NewDecoder(r).Decode(&fx); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	s := New()
	s.Seed(fx)
	return s, nil
}

// Seed adds every record of fx to the store.
func (s *Store) Seed(fx Fixture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range fx.Events {
		s.events[e.ID] = e
	}
	for _, m := range fx.Messages {
		s.messages[m.ID] = m
	}
	for _, src := range fx.Sources {
		s.sources[src.ID] = src
	}
	s.relations = append(s.relations, fx.Relations...)
	for _, c := range fx.Correlations {
		s.correlations[c.Key()] = c
	}
}

// Dump writes the current state as a fixture.
func (s *Store) Dump(w io.Writer) error {
	s.mu.RLock()
	fx := Fixture{
		Events:       sortedValues(s.events, func(e common.EventRecord) string { return e.ID }),
		Messages:     sortedValues(s.messages, func(m common.MessageRecord) string { return m.ID }),
		Sources:      sortedValues(s.sources, func(src common.SourceNode) string { return src.ID }),
		Relations:    slices.Clone(s.relations),
		Correlations: s.sortedCorrelations(),
	}
	s.mu.RUnlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(fx)
}

// FailWith makes every later call return err, wrapped in
// store.ErrUnavailable. A nil err restores normal operation. It may be called
// while other goroutines use the store.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *Store) fail() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, s.failWith)
	}
	return nil
}

func paginate[T any](items []T, page store.Page) []T {
	if page.Offset >= len(items) {
		return nil
	}
	items = items[page.Offset:]
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	return slices.Clone(items)
}

func sortedValues[K comparable, V any](m map[K]V, key func(V) string) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b V) int { return cmp.Compare(key(a), key(b)) })
	return out
}

func (s *Store) FetchEvents(ctx context.Context, tr common.TimeRange, filter store.EventFilter, page store.Page) ([]common.EventRecord, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []common.EventRecord
	for _, e := range s.events {
		if !tr.Contains(e.Timestamp) {
			continue
		}
		if filter.ActiveOnly && !e.Active() {
			continue
		}
		if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, e.ID) {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b common.EventRecord) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return paginate(out, page), nil
}

func (s *Store) FetchMessages(ctx context.Context, sourceID string, tr common.TimeRange, page store.Page) ([]common.MessageRecord, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []common.MessageRecord
	for _, m := range s.messages {
		if sourceID != "" && m.SourceID != sourceID {
			continue
		}
		if !tr.Contains(m.Timestamp) {
			continue
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b common.MessageRecord) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return paginate(out, page), nil
}

func (s *Store) FetchSources(ctx context.Context) ([]common.SourceNode, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.sources, func(src common.SourceNode) string { return src.ID }), nil
}

// FetchSocialRelations returns all relations. The store keeps no timestamps
// for relations, so tr is ignored.
func (s *Store) FetchSocialRelations(ctx context.Context, tr common.TimeRange) ([]common.SocialRelation, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.relations), nil
}

func (s *Store) FetchCorrelations(ctx context.Context, filter store.CorrelationFilter) ([]common.CorrelationRecord, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []common.CorrelationRecord
	for _, c := range s.sortedCorrelations() {
		if filter.Entity != "" && c.EntityA != filter.Entity && c.EntityB != filter.Entity {
			continue
		}
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, c.Type) {
			continue
		}
		if c.Confidence < filter.MinConfidence {
			continue
		}
		if !filter.ComputedAfter.Contains(c.ComputedAt) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) sortedCorrelations() []common.CorrelationRecord {
	out := make([]common.CorrelationRecord, 0, len(s.correlations))
	for _, c := range s.correlations {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b common.CorrelationRecord) int {
		return cmp.Compare(a.Key().String(), b.Key().String())
	})
	return out
}

func (s *Store) UpsertCorrelation(ctx context.Context, rec common.CorrelationRecord) error {
	if err := s.fail(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = rec.Key().ID()
	s.correlations[rec.Key()] = rec
	return nil
}

func (s *Store) UpsertEvent(ctx context.Context, ev common.EventRecord) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.Sources = slices.Clone(ev.Sources)
	s.events[ev.ID] = ev
	return nil
}

func (s *Store) UpsertSource(ctx context.Context, src common.SourceNode) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.ID] = src
	return nil
}

func (s *Store) AnnotateMessage(ctx context.Context, messageID string, ann common.Annotation) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	m.Annotation = ann
	s.messages[messageID] = m
	return nil
}

// UpsertMessage stores m. An existing annotation is kept.
func (s *Store) UpsertMessage(ctx context.Context, m common.MessageRecord) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.messages[m.ID]; ok {
		m.Annotation = old.Annotation
	}
	s.messages[m.ID] = m
	return nil
}

// AddSocialRelation appends rel. A second observation with the same sources,
// kind and non-zero observedAt is ignored. observedAt is not kept otherwise,
// see FetchSocialRelations.
func (s *Store) AddSocialRelation(ctx context.Context, rel common.SocialRelation, observedAt time.Time) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !observedAt.IsZero() {
		key := observation{from: rel.FromSourceID, to: rel.ToSourceID, kind: rel.Kind, at: observedAt.UnixNano()}
		if _, ok := s.observed[key]; ok {
			return nil
		}
		s.observed[key] = struct{}{}
	}
	s.relations = append(s.relations, rel)
	return nil
}

// Event returns a single event by id.
func (s *Store) Event(id string) (common.EventRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	return e, ok
}

// Message returns a single message by id.
func (s *Store) Message(id string) (common.MessageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	return m, ok
}

// Source returns a single source by id.
func (s *Store) Source(id string) (common.SourceNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	return src, ok
}

// CorrelationCount returns the number of stored correlation records.
func (s *Store) CorrelationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.correlations)
}
