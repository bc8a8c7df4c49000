package linkgraph

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
)

var now = time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC)

func temporal(src, ev string, strength float64, kws ...string) common.CorrelationRecord {
	return common.NewCorrelation(common.SourceRef(src), common.EventRef(ev), common.CorrelationTemporal, strength, 0.6,
		common.TemporalOf(common.TemporalEvidence{ZScore: strength * 10, Keywords: kws}), time.Hour, now)
}

func TestUpsertCombinesInsteadOfDuplicating(t *testing.T) {
	b := NewBuilder(Params{}, now)
	require.NoError(t, b.AddCorrelation(temporal("s1", "e1", 0.4, "drone")))
	require.NoError(t, b.AddCorrelation(temporal("s1", "e1", 0.8, "shahed")))
	require.NoError(t, b.AddSocialRelation(common.SocialRelation{FromSourceID: "s1", ToSourceID: "s2", Kind: common.RelationMention, Count: 3}))
	require.NoError(t, b.AddSocialRelation(common.SocialRelation{FromSourceID: "s1", ToSourceID: "s2", Kind: common.RelationForward, Count: 4}))

	g := b.Build()
	require.Equal(t, 2, g.NumEdges())
	assert.Equal(t, 3, g.NumNodes())
	assert.Equal(t, 2, b.Stats().Upserts)

	var temporalEdge, socialEdge Edge
	for _, e := range g.Edges() {
		switch e.Type {
		case common.CorrelationTemporal:
			temporalEdge = e
		case common.CorrelationSocial:
			socialEdge = e
		}
	}
	assert.Equal(t, 0.8, temporalEdge.Strength)
	assert.Equal(t, []string{"drone", "shahed"}, temporalEdge.Evidence.Temporal.Keywords)
	assert.Equal(t, 7.0, socialEdge.Weight)
	assert.InDelta(t, 0.7, socialEdge.Strength, 1e-9)
	assert.Equal(t, int64(3), socialEdge.Evidence.Social.Mentions)
	assert.Equal(t, int64(4), socialEdge.Evidence.Social.Forwards)
}

func TestBuildIsDeterministic(t *testing.T) {
	inputs := []common.CorrelationRecord{
		temporal("s3", "e2", 0.3),
		temporal("s1", "e1", 0.5),
		temporal("s2", "e1", 0.9),
	}
	rels := []common.SocialRelation{
		{FromSourceID: "s2", ToSourceID: "s1", Kind: common.RelationMention, Count: 1},
		{FromSourceID: "s3", ToSourceID: "s2", Kind: common.RelationForward, Count: 5},
	}

	build := func(reverse bool) *Graph {
		b := NewBuilder(Params{}, now)
		b.AddSource(common.SourceNode{ID: "s1", Name: "Channel One", Seed: true})
		for i := range inputs {
			idx := i
			if reverse {
				idx = len(inputs) - 1 - i
			}
			require.NoError(t, b.AddCorrelation(inputs[idx]))
		}
		for i := range rels {
			idx := i
			if reverse {
				idx = len(rels) - 1 - i
			}
			require.NoError(t, b.AddSocialRelation(rels[idx]))
		}
		return b.Build()
	}

	g1, g2 := build(false), build(true)
	assert.Equal(t, g1.Nodes(), g2.Nodes())
	assert.Equal(t, g1.Edges(), g2.Edges())

	id, ok := g1.Lookup(common.SourceRef("s1"))
	require.True(t, ok)
	assert.True(t, g1.Node(id).Seed)
	assert.Equal(t, "Channel One", g1.Node(id).Label)
	assert.Len(t, g1.NodesOfKind(KindSource), 3)
	assert.Len(t, g1.EdgesBetween(KindSource), 2)
}

func TestMergePartialBuilders(t *testing.T) {
	whole := NewBuilder(Params{}, now)
	left := NewBuilder(Params{}, now)
	right := NewBuilder(Params{}, now)

	recs := []common.CorrelationRecord{temporal("s1", "e1", 0.2), temporal("s1", "e1", 0.6), temporal("s2", "e1", 0.4)}
	for _, r := range recs {
		require.NoError(t, whole.AddCorrelation(r))
	}
	require.NoError(t, left.AddCorrelation(recs[0]))
	require.NoError(t, right.AddCorrelation(recs[1]))
	require.NoError(t, right.AddCorrelation(recs[2]))

	merged := NewBuilder(Params{}, now)
	merged.Merge(left)
	merged.Merge(right)

	assert.Equal(t, whole.Build().Edges(), merged.Build().Edges())
}

func TestKeywordClusters(t *testing.T) {
	b := NewBuilder(Params{}, now)
	msg := common.MessageRecord{ID: "m1", SourceID: "s1", Views: 10}

	ok, err := b.AddKeywordCluster(msg, []string{"drone"})
	require.NoError(t, err)
	assert.False(t, ok, "single keyword is below density threshold")

	ok, err = b.AddKeywordCluster(msg, []string{"shahed", "drone", "drone"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.AddKeywordCluster(common.MessageRecord{ID: "m2", SourceID: "s2"}, []string{"drone", "shahed"})
	require.NoError(t, err)
	assert.True(t, ok)

	g := b.Build()
	id, found := g.Lookup("cluster:drone+shahed")
	require.True(t, found)
	n := g.Node(id)
	assert.Equal(t, KindCluster, n.Kind)
	assert.Equal(t, int64(2), n.Count)
	assert.Equal(t, []string{"drone", "shahed"}, n.Keywords)
	assert.Len(t, g.In(id), 2)
}

func TestStoredClusterRecordsRestoreNodes(t *testing.T) {
	live := NewBuilder(Params{}, now)
	for i, src := range []string{"s1", "s1", "s2"} {
		msg := common.MessageRecord{ID: fmt.Sprintf("m%d", i), SourceID: src}
		_, err := live.AddKeywordCluster(msg, []string{"uav", "drone"})
		require.NoError(t, err)
	}

	stored := NewBuilder(Params{}, now)
	for _, rec := range live.Correlations() {
		require.NoError(t, stored.AddStoredCorrelation(rec))
	}
	want, got := live.Build(), stored.Build()
	wantID, ok := want.Lookup("cluster:drone+uav")
	require.True(t, ok)
	gotID, ok := got.Lookup("cluster:drone+uav")
	require.True(t, ok)

	assert.Equal(t, want.Node(wantID), got.Node(gotID))
	assert.Equal(t, int64(3), got.Node(gotID).Count)
	assert.Equal(t, live.Stats().Clustered, stored.Stats().Clustered)
}

func TestMalformedInputsAreRejected(t *testing.T) {
	b := NewBuilder(Params{}, now)
	err := b.AddSocialRelation(common.SocialRelation{FromSourceID: "a", ToSourceID: "b", Kind: "like", Count: 1})
	assert.ErrorIs(t, err, common.ErrMalformedInput)

	bad := temporal("s1", "e1", 0.5)
	bad.EntityB = "no-kind"
	assert.ErrorIs(t, b.AddCorrelation(bad), common.ErrMalformedInput)

	assert.NoError(t, b.AddSocialRelation(common.SocialRelation{FromSourceID: "a", ToSourceID: "a", Kind: common.RelationMention, Count: 1}))
	assert.Equal(t, 2, b.Stats().Malformed)
	assert.Zero(t, b.Build().NumEdges())
}
