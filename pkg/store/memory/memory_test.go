package memory

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
)

func TestUpsertCorrelationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)
	rec := common.NewCorrelation(common.SourceRef("a"), common.EventRef("e"), common.CorrelationTemporal, 0.7, 0.6,
		common.TemporalOf(common.TemporalEvidence{ZScore: 7}), 0, now)

	require.NoError(t, s.UpsertCorrelation(ctx, rec))
	require.NoError(t, s.UpsertCorrelation(ctx, rec))
	assert.Equal(t, 1, s.CorrelationCount())

	rec.Strength = 0.9
	require.NoError(t, s.UpsertCorrelation(ctx, rec))
	got, err := s.FetchCorrelations(ctx, store.CorrelationFilter{Entity: common.EventRef("e")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.9, got[0].Strength)
}

func TestScanPagesOverEvents(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	var fx Fixture
	for i := range 7 {
		fx.Events = append(fx.Events, common.EventRecord{
			ID:        string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
	}
	fx.Events[3].Status = common.EventStatusDuplicate
	s.Seed(fx)

	all, err := store.AllEvents(ctx, s, common.TimeRange{}, store.EventFilter{ActiveOnly: true}, 2)
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "g", all[5].ID)
}

func TestFailWithWrapsUnavailable(t *testing.T) {
	s := New()
	s.FailWith(errors.New("connection refused"))
	_, err := s.FetchSources(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUnavailable))
}

func TestFailWithWhileInUse(t *testing.T) {
	s := New()
	s.Seed(Fixture{Sources: []common.SourceNode{{ID: "s1", Name: "one"}}})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_, err := s.FetchSources(context.Background())
				if err != nil {
					assert.ErrorIs(t, err, store.ErrUnavailable)
				}
			}
		}()
	}
	for i := range 100 {
		if i%2 == 0 {
			s.FailWith(errors.New("connection refused"))
		} else {
			s.FailWith(nil)
		}
	}
	wg.Wait()

	s.FailWith(nil)
	_, err := s.FetchSources(context.Background())
	assert.NoError(t, err)
}

func TestAnnotateMissingMessage(t *testing.T) {
	err := New().AnnotateMessage(context.Background(), "nope", common.Annotation{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDumpAndLoad(t *testing.T) {
	s := New()
	s.Seed(Fixture{
		Sources:   []common.SourceNode{{ID: "s1", Name: "one", Seed: true}},
		Relations: []common.SocialRelation{{FromSourceID: "s1", ToSourceID: "s2", Kind: common.RelationMention, Count: 3}},
	})
	var buf bytes.Buffer
	require.NoError(t, s.Dump(&buf))

	loaded, err := Load(&buf)
	require.NoError(t, err)
	src, ok := loaded.Source("s1")
	require.True(t, ok)
	assert.True(t, src.Seed)
	rels, err := loaded.FetchSocialRelations(context.Background(), common.TimeRange{})
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}
