package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/config"
	"github.com/OFFIS-RIT/corvid/backend/pkg/leaselock"
	"github.com/OFFIS-RIT/corvid/backend/pkg/linkgraph"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store/memory"
)

var eventTime = time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)

// fixture: s2 posts two messages a day for ten baseline days and forty drone
// reports around the incident; s1 is a seed forwarding s2; s3 is quiet.
func fixture() memory.Fixture {
	fx := memory.Fixture{
		Sources: []common.SourceNode{
			{ID: "s1", Name: "Seed channel", Platform: "telegram", Seed: true},
			{ID: "s2", Name: "Local news", Platform: "telegram"},
			{ID: "s3", Name: "Quiet", Platform: "telegram"},
		},
		Events: []common.EventRecord{
			{ID: "e1", Title: "Drone over airport", LocationID: "loc-rze", LocationLabel: "Rzeszów", Timestamp: eventTime, Sources: []string{"osint-a"}, Confidence: 0.8},
			{ID: "e2", Title: "Drone over airport", LocationID: "loc-rze", LocationLabel: "Rzeszów", Timestamp: eventTime.Add(time.Hour), Sources: []string{"osint-b"}, Confidence: 0.6},
		},
		Relations: []common.SocialRelation{
			{FromSourceID: "s1", ToSourceID: "s2", Kind: common.RelationForward, Count: 4},
		},
	}
	for k := 1; k <= 10; k++ {
		for h := 1; h <= 2; h++ {
			fx.Messages = append(fx.Messages, common.MessageRecord{
				ID:        fmt.Sprintf("base-%02d-%d", k, h),
				SourceID:  "s2",
				Text:      "morning roundup",
				Timestamp: eventTime.Add(-24*time.Hour - time.Duration(k)*24*time.Hour - time.Duration(h)*time.Hour),
			})
		}
	}
	for i := range 40 {
		msg := common.MessageRecord{
			ID:        fmt.Sprintf("spike-%02d", i),
			SourceID:  "s2",
			Text:      "Drone spotted near Rzeszow",
			Timestamp: eventTime.Add(-30*time.Minute + time.Duration(i)*time.Minute),
		}
		if i == 0 {
			msg.Views = 2000
		}
		fx.Messages = append(fx.Messages, msg)
	}
	return fx
}

func newStore() *memory.Store {
	s := memory.New()
	s.Seed(fixture())
	return s
}

func runAt() time.Time { return eventTime.Add(2 * time.Hour) }

func TestRun(t *testing.T) {
	repo := newStore()
	r, err := NewRunner(repo, config.Default(), leaselock.NewLocal())
	require.NoError(t, err)

	out, err := r.Run(context.Background(), runAt())
	require.NoError(t, err)
	sum := out.Summary

	assert.NotEmpty(t, sum.RunID)
	var stages []string
	for _, st := range sum.Stages {
		stages = append(stages, st.Name)
	}
	assert.Equal(t, []string{"dedupe", "units", "assemble", "persist", "analyze"}, stages)
	assert.Equal(t, 1, sum.Dedupe.Absorbed)
	assert.Equal(t, 1, sum.Events)
	assert.Equal(t, 3, sum.Sources)
	assert.Equal(t, 1, sum.Temporal.Flagged)
	assert.Equal(t, 2, sum.Temporal.Inconclusive)
	assert.Equal(t, 0, sum.FailedUnits)
	assert.Equal(t, 3, sum.Correlations)

	e2, ok := repo.Event("e2")
	require.True(t, ok)
	assert.Equal(t, common.EventStatusDuplicate, e2.Status)
	assert.Equal(t, "e1", e2.DuplicateOf)

	report := out.EventReport("e1")
	require.Len(t, report, 2)
	assert.Equal(t, common.CorrelationTemporal, report[0].Type)
	assert.Equal(t, 1.0, report[0].Strength)
	assert.Equal(t, common.CorrelationSpatial, report[1].Type)
	require.NotNil(t, report[1].Evidence.Content)
	assert.Equal(t, 40, report[1].Evidence.Content.Messages)

	msg, ok := repo.Message("spike-00")
	require.True(t, ok)
	assert.Contains(t, msg.Annotation.MatchedKeywords, "drone")

	s2, ok := repo.Source("s2")
	require.True(t, ok)
	assert.InDelta(t, 20.0/30, s2.AvgDailyMessages, 1e-9)
	assert.Equal(t, 1, sum.UpdatedSources)

	require.NotEmpty(t, out.Analytics.Priorities)
	assert.Equal(t, common.SourceRef("s2"), out.Analytics.Priorities[0].NodeID)
	assert.Equal(t, []string{common.SourceRef("s1")}, out.Analytics.Seeds)
}

func TestRunIdempotent(t *testing.T) {
	repo := newStore()
	r, err := NewRunner(repo, config.Default(), nil)
	require.NoError(t, err)

	first, err := r.Run(context.Background(), runAt())
	require.NoError(t, err)
	stored, err := repo.FetchCorrelations(context.Background(), store.CorrelationFilter{})
	require.NoError(t, err)

	second, err := r.Run(context.Background(), runAt())
	require.NoError(t, err)
	again, err := repo.FetchCorrelations(context.Background(), store.CorrelationFilter{})
	require.NoError(t, err)

	assert.Equal(t, first.Correlations, second.Correlations)
	assert.Equal(t, stored, again)
	assert.Equal(t, 0, second.Summary.Dedupe.Absorbed)
	assert.Equal(t, 0, second.Summary.UpdatedSources)
	assert.Equal(t, first.Analytics.Priorities, second.Analytics.Priorities)
}

func TestRunDeterministicAcrossParallelism(t *testing.T) {
	var outs []*Output
	for _, p := range []int{1, 4, 16} {
		cfg := config.Default()
		cfg.Pipeline.Parallelism = p
		r, err := NewRunner(newStore(), cfg, nil)
		require.NoError(t, err)
		out, err := r.Run(context.Background(), runAt())
		require.NoError(t, err)
		outs = append(outs, out)
	}
	for _, o := range outs[1:] {
		assert.Equal(t, outs[0].Correlations, o.Correlations)
		assert.Equal(t, outs[0].Analytics.Priorities, o.Analytics.Priorities)
	}
}

func TestKeywordClusters(t *testing.T) {
	repo := newStore()
	repo.Seed(memory.Fixture{Messages: []common.MessageRecord{{
		ID:        "far-1",
		SourceID:  "s3",
		Text:      "UAV and Shahed debris found",
		Timestamp: eventTime.Add(-40 * time.Hour),
	}}})
	cfg := config.Default()
	cfg.Content.MinConfidence = 0.95

	r, err := NewRunner(repo, cfg, nil)
	require.NoError(t, err)
	out, err := r.Run(context.Background(), runAt())
	require.NoError(t, err)

	_, ok := out.Graph.Lookup("cluster:shahed+uav")
	assert.True(t, ok)
	assert.Equal(t, 1, out.Summary.Graph.Clustered)
}

func TestKeywordClustersWithoutEvents(t *testing.T) {
	repo := memory.New()
	fx := memory.Fixture{Sources: []common.SourceNode{{ID: "s1", Name: "Watchers", Platform: "telegram"}}}
	for i := range 5 {
		fx.Messages = append(fx.Messages, common.MessageRecord{
			ID:        fmt.Sprintf("m%d", i),
			SourceID:  "s1",
			Text:      "drone shahed uav swarm spotted",
			Timestamp: eventTime.Add(time.Duration(i) * time.Hour),
		})
	}
	repo.Seed(fx)

	r, err := NewRunner(repo, config.Default(), nil)
	require.NoError(t, err)
	out, err := r.Run(context.Background(), runAt().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Summary.Events)

	id, ok := out.Graph.Lookup("cluster:drone+shahed+uav")
	require.True(t, ok)
	n := out.Graph.Node(id)
	assert.Equal(t, int64(5), n.Count)
	assert.Equal(t, []string{"drone", "shahed", "uav"}, n.Keywords)
	assert.Equal(t, 5, out.Summary.Graph.Clustered)

	require.Len(t, out.Correlations, 1)
	rec := out.Correlations[0]
	assert.Equal(t, common.SourceRef("s1"), rec.EntityA)
	require.NotNil(t, rec.Evidence.Content)
	assert.Equal(t, 5, rec.Evidence.Content.Messages)
}

// flakySource fails the history scan of one source with a data error.
type flakySource struct {
	*memory.Store
	bad string
}

func (f flakySource) FetchMessages(ctx context.Context, sourceID string, tr common.TimeRange, page store.Page) ([]common.MessageRecord, error) {
	if sourceID == f.bad {
		return nil, fmt.Errorf("decode message row: %w", common.ErrMalformedInput)
	}
	return f.Store.FetchMessages(ctx, sourceID, tr, page)
}

func TestFailedUnitIsSkipped(t *testing.T) {
	repo := flakySource{Store: newStore(), bad: "s3"}
	r, err := NewRunner(repo, config.Default(), nil)
	require.NoError(t, err)

	out, err := r.Run(context.Background(), runAt())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Summary.FailedUnits)
	assert.Equal(t, 1, out.Summary.Temporal.Flagged)
}

func TestRepositoryErrorIsFatal(t *testing.T) {
	repo := newStore()
	repo.FailWith(errors.New("connection refused"))
	r, err := NewRunner(repo, config.Default(), nil)
	require.NoError(t, err)

	_, err = r.Run(context.Background(), runAt())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestRunHonoursLease(t *testing.T) {
	repo := newStore()
	locker := leaselock.NewLocal()
	r, err := NewRunner(repo, config.Default(), locker)
	require.NoError(t, err)

	key := leaselock.WindowKey(r.Window(runAt().UTC()))
	err = locker.WithLease(context.Background(), key, func(ctx context.Context) error {
		_, err := r.Run(ctx, runAt())
		return err
	})
	assert.ErrorIs(t, err, leaselock.ErrBusy)
}

func clusterNodes(g *linkgraph.Graph) []linkgraph.Node {
	var out []linkgraph.Node
	for _, id := range g.NodesOfKind(linkgraph.KindCluster) {
		out = append(out, g.Node(id))
	}
	return out
}

func TestSnapshotMatchesRun(t *testing.T) {
	repo := newStore()
	repo.Seed(memory.Fixture{Messages: []common.MessageRecord{
		{ID: "far-1", SourceID: "s3", Text: "UAV and Shahed debris found", Timestamp: eventTime.Add(-100 * time.Hour)},
		{ID: "far-2", SourceID: "s1", Text: "shahed and uav wreck", Timestamp: eventTime.Add(-90 * time.Hour)},
	}})
	r, err := NewRunner(repo, config.Default(), nil)
	require.NoError(t, err)

	out, err := r.Run(context.Background(), runAt())
	require.NoError(t, err)

	snap, err := r.Snapshot(context.Background(), runAt())
	require.NoError(t, err)
	assert.Empty(t, snap.Summary.RunID)
	assert.Equal(t, out.Correlations, snap.Correlations)
	assert.Equal(t, out.Analytics.Priorities, snap.Analytics.Priorities)
	assert.Equal(t, out.Summary.Nodes, snap.Summary.Nodes)

	clusters := clusterNodes(out.Graph)
	require.Len(t, clusters, 1)
	assert.Equal(t, []string{"shahed", "uav"}, clusters[0].Keywords)
	assert.Equal(t, int64(2), clusters[0].Count)
	assert.Equal(t, clusters, clusterNodes(snap.Graph))
}

func TestSnapshotOfEmptyWindow(t *testing.T) {
	r, err := NewRunner(newStore(), config.Default(), nil)
	require.NoError(t, err)

	snap, err := r.Snapshot(context.Background(), runAt())
	require.NoError(t, err)
	assert.Empty(t, snap.Correlations)
	assert.Equal(t, 0, snap.Summary.Edges)
}
