package dedupe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store/memory"
)

var t0 = time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC)

func ptr(f float64) *float64 { return &f }

func event(id string, offset time.Duration, lat, lon float64, title string) common.EventRecord {
	return common.EventRecord{
		ID:          id,
		Title:       title,
		Description: "Drone activity reported by residents",
		Timestamp:   t0.Add(offset),
		Latitude:    ptr(lat),
		Longitude:   ptr(lon),
		LocationID:  "PL-RZE",
		Sources:     []string{"src-" + id},
		Confidence:  0.6,
		Status:      common.EventStatusActive,
	}
}

func TestHaversine(t *testing.T) {
	// Warsaw to Krakow is roughly 252 km
	got := HaversineKm(52.2297, 21.0122, 50.0647, 19.9450)
	assert.InDelta(t, 252, got, 2)
	assert.Zero(t, HaversineKm(50, 20, 50, 20))
}

func TestTextSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{name: "identical after normalisation", a: "Drone  over Rzeszow", b: "drone over rzeszow", want: 1},
		{name: "one edit", a: "kitten", b: "sitten", want: 1 - 1.0/6},
		{name: "empty", a: "", b: "drone", want: 0},
		{name: "both empty", a: " ", b: "", want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, TextSimilarity(tc.a, tc.b), 1e-9)
		})
	}
}

func TestCompareNearIdenticalIsDuplicate(t *testing.T) {
	d := NewDeduplicator(Params{})
	a := event("a", 0, 50.1100, 22.0200, "Drone sighted over Rzeszow airport")
	b := event("b", 24*time.Hour, 50.1200, 22.0400, "Drone sighted over Rzeszów airport")

	c := d.Compare(a, b)
	assert.Less(t, c.DistanceKm, 2.0)
	assert.True(t, c.IsDuplicate)
	assert.GreaterOrEqual(t, c.Confidence, 0.65)
	assert.InDelta(t, 0.5, c.Factors.Temporal, 1e-9)
	assert.Equal(t, 1.0, c.Factors.LocationID)
	assert.Empty(t, c.Gate)
}

func TestCompareHardGates(t *testing.T) {
	d := NewDeduplicator(Params{})
	a := event("a", 0, 50.11, 22.02, "Drone sighted over Rzeszow airport")

	late := event("b", 49*time.Hour, 50.11, 22.02, "Drone sighted over Rzeszow airport")
	c := d.Compare(a, late)
	assert.False(t, c.IsDuplicate)
	assert.Equal(t, "time", c.Gate)
	assert.Zero(t, c.Confidence)

	far := event("c", time.Hour, 52.23, 21.01, "Drone sighted over Rzeszow airport")
	c = d.Compare(a, far)
	assert.False(t, c.IsDuplicate)
	assert.Equal(t, "distance", c.Gate)
}

func TestCompareMissingCoordinatesIsNeutral(t *testing.T) {
	d := NewDeduplicator(Params{})
	a := event("a", 0, 0, 0, "Drone sighted")
	a.Latitude, a.Longitude = nil, nil
	b := event("b", time.Hour, 50, 20, "Drone sighted")

	c := d.Compare(a, b)
	assert.Equal(t, 0.5, c.Factors.Geographic)
}

func TestGroupSingleLinkAroundSeed(t *testing.T) {
	d := NewDeduplicator(Params{})
	events := []common.EventRecord{
		event("c", 2*time.Hour, 50.111, 22.021, "Drone sighted over Rzeszow airport"),
		event("a", 0, 50.110, 22.020, "Drone sighted over Rzeszow airport"),
		event("b", time.Hour, 50.112, 22.022, "Drone sighted over Rzeszow airport!"),
		event("x", time.Hour, 54.35, 18.65, "Balloon over Gdansk port"),
	}
	dup := event("old", 0, 50.110, 22.020, "Drone sighted over Rzeszow airport")
	dup.Status = common.EventStatusDuplicate
	events = append(events, dup)

	groups := d.Group(events)
	require.Len(t, groups, 1)
	assert.Equal(t, "a", groups[0].CanonicalID)
	assert.Equal(t, []string{"b", "c"}, groups[0].MemberIDs)
}

func TestMergePolicy(t *testing.T) {
	p := DefaultParams()
	p.MaxDisplaySources = 2
	d := NewDeduplicator(p)
	a := event("a", 0, 50.11, 22.02, "t")
	b := event("b", time.Hour, 50.11, 22.02, "t")
	c := event("c", 2*time.Hour, 50.11, 22.02, "t")
	b.Description = "A much longer description of the drone incident near the airport"
	a.Confidence, b.Confidence, c.Confidence = 0.3, 0.6, 0.9
	c.Sources = []string{"src-c", "src-z", "src-a"}

	events := map[string]common.EventRecord{"a": a, "b": b, "c": c}
	res, err := d.Merge(common.ClusterGroup{CanonicalID: "a", MemberIDs: []string{"b", "c"}}, events)
	require.NoError(t, err)

	assert.Equal(t, "a", res.Canonical.ID)
	assert.Equal(t, b.Description, res.Canonical.Description)
	assert.InDelta(t, 0.6, res.Canonical.Confidence, 1e-9)
	assert.Equal(t, []string{"src-a", "src-b", "src-c", "src-z"}, res.Canonical.Sources)
	assert.Equal(t, []string{"src-a", "src-b"}, res.Entry.MergedFields.Sources)
	assert.Equal(t, 4, res.Entry.MergedFields.SourceCount)
	assert.Equal(t, []string{"b", "c"}, res.Entry.AbsorbedIDs)

	for _, ab := range res.Absorbed {
		assert.Equal(t, common.EventStatusDuplicate, ab.Status)
		assert.Equal(t, "a", ab.DuplicateOf)
		assert.Zero(t, ab.Confidence)
		assert.Empty(t, ab.Description)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	d := NewDeduplicator(Params{})
	a := event("a", 0, 50.11, 22.02, "t")
	b := event("b", time.Hour, 50.11, 22.02, "t")
	b.Description = "longer description wins the merge"
	group := common.ClusterGroup{CanonicalID: "a", MemberIDs: []string{"b"}}

	first, err := d.Merge(group, map[string]common.EventRecord{"a": a, "b": b})
	require.NoError(t, err)

	after := map[string]common.EventRecord{"a": first.Canonical, "b": first.Absorbed[0]}
	second, err := d.Merge(group, after)
	require.NoError(t, err)

	assert.Equal(t, first.Canonical, second.Canonical)
	assert.Empty(t, second.Absorbed)
}

func TestMergeOrderIndependence(t *testing.T) {
	d := NewDeduplicator(Params{})
	a := event("a", time.Hour, 50.11, 22.02, "t")
	b := event("b", 2*time.Hour, 50.11, 22.02, "t")
	c := event("c", 3*time.Hour, 50.11, 22.02, "t")
	dd := event("d", 0, 50.11, 22.02, "t")

	mergeAll := func(groups ...[]string) (string, map[string]string, []string) {
		state := map[string]common.EventRecord{"a": a, "b": b, "c": c, "d": dd}
		for _, ids := range groups {
			canonical := ids[0]
			for _, id := range ids {
				if state[id].Timestamp.Before(state[canonical].Timestamp) {
					canonical = id
				}
			}
			var members []string
			for _, id := range ids {
				if id != canonical {
					members = append(members, id)
				}
			}
			res, err := d.Merge(common.ClusterGroup{CanonicalID: canonical, MemberIDs: members}, state)
			require.NoError(t, err)
			state[res.Canonical.ID] = res.Canonical
			for _, ab := range res.Absorbed {
				state[ab.ID] = ab
			}
		}
		var active string
		dupOf := map[string]string{}
		var sources []string
		for id, e := range state {
			if e.Active() {
				active = id
				sources = e.Sources
			} else {
				dupOf[id] = e.DuplicateOf
			}
		}
		return active, dupOf, sources
	}

	c1, dup1, src1 := mergeAll([]string{"a", "b", "c"}, []string{"a", "d"})
	c2, dup2, src2 := mergeAll([]string{"a", "d"}, []string{"d", "b", "c"})

	assert.Equal(t, "d", c1)
	assert.Equal(t, c1, c2)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, keys(dup1))
	assert.ElementsMatch(t, keys(dup1), keys(dup2))
	assert.Equal(t, src1, src2)
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestRunWritesBack(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	bad := common.EventRecord{ID: "bad", Title: "no time"}
	repo.Seed(memory.Fixture{Events: []common.EventRecord{
		event("a", 0, 50.110, 22.020, "Drone sighted over Rzeszow airport"),
		event("b", time.Hour, 50.112, 22.022, "Drone sighted over Rzeszow airport"),
		event("x", time.Hour, 54.35, 18.65, "Balloon over Gdansk port"),
		bad,
	}})
	p := DefaultParams()
	p.PageSize = 2
	d := NewDeduplicator(p)

	report, err := d.Run(ctx, repo, common.TimeRange{})
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, "a", report.Entries[0].CanonicalID)
	assert.Equal(t, 1, report.Absorbed)
	assert.Equal(t, 1, report.Malformed)

	b, _ := repo.Event("b")
	assert.Equal(t, common.EventStatusDuplicate, b.Status)
	assert.Equal(t, "a", b.DuplicateOf)

	// second run finds nothing left to merge
	again, err := d.Run(ctx, repo, common.TimeRange{})
	require.NoError(t, err)
	assert.Empty(t, again.Entries)
}

func TestRunRepositoryFailureIsFatal(t *testing.T) {
	repo := memory.New()
	repo.FailWith(errors.New("down"))
	_, err := NewDeduplicator(Params{}).Run(context.Background(), repo, common.TimeRange{})
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestMarkFalsePositive(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	ev := event("a", 0, 50, 20, "t")
	repo.Seed(memory.Fixture{Events: []common.EventRecord{ev}})

	_, err := MarkFalsePositive(ctx, repo, ev)
	require.NoError(t, err)

	active, err := store.AllEvents(ctx, repo, common.TimeRange{}, store.EventFilter{ActiveOnly: true}, 0)
	require.NoError(t, err)
	assert.Empty(t, active)
	got, _ := repo.Event("a")
	assert.Equal(t, common.EventStatusFalsePositive, got.Status)
}

func TestMarkFalsePositiveRefusesAbsorbed(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	dup := event("b", time.Hour, 50, 20, "t")
	dup.Status = common.EventStatusDuplicate
	dup.DuplicateOf = "a"
	repo.Seed(memory.Fixture{Events: []common.EventRecord{event("a", 0, 50, 20, "t"), dup}})

	_, err := MarkFalsePositive(ctx, repo, dup)
	assert.ErrorIs(t, err, ErrAbsorbed)

	got, ok := repo.Event("b")
	require.True(t, ok)
	assert.Equal(t, common.EventStatusDuplicate, got.Status)
	assert.Equal(t, "a", got.DuplicateOf)
}

func TestParamsKeepExplicitZeros(t *testing.T) {
	p := DefaultParams()
	p.NeutralGeoScore = 0
	p.PageSize = 0

	got := NewDeduplicator(p).Params()
	assert.Zero(t, got.NeutralGeoScore)
	assert.Equal(t, DefaultParams().PageSize, got.PageSize)
	assert.Equal(t, DefaultParams(), NewDeduplicator(Params{}).Params())
}
