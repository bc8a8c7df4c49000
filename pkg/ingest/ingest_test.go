package ingest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store/memory"
)

type mapFetcher struct {
	files map[string]string
	calls atomic.Int32
}

func (f *mapFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	f.calls.Add(1)
	data, ok := f.files[location]
	if !ok {
		return nil, errors.New("not found: " + location)
	}
	return []byte(data), nil
}

const (
	sourcesCSV = "id,name,platform,seed\n" +
		"s1,Seed channel,telegram,true\n" +
		"s2,,telegram,\n" +
		",nameless,telegram,false\n"
	eventsCSV = "\ufeffID,Title,Timestamp,Latitude,Longitude,Location_ID,Sources,Confidence\n" +
		"e1,Drone over airport,2025-09-10T12:00:00Z,50.11,22.02,loc-rze,osint-a;osint-b,0.8\n" +
		"e2,Explosion,2025-09-10 13:00:00,,,,osint-c,1.7\n" +
		"e3,Bad latitude,2025-09-10T12:00:00Z,95,22,,,\n" +
		"\n" +
		"e4,No time,,,,,,\n"
	messagesCSV = "id,source_id,text,timestamp,views,forwards,replies\n" +
		"m1,s1,\"drone, over Rzeszow\",2025-09-10T11:45:00Z,100,3,1\n" +
		"m2,s2,relay,1757505600,,,\n" +
		"m3,s2,bad views,2025-09-10T11:00:00Z,many,,\n"
	relationsCSV = "from_source_id,to_source_id,kind,count,observed_at\n" +
		"s1,s2,Forward,3,2025-09-09\n" +
		"s2,s1,mention,,\n" +
		"s1,s1,mention,1,\n" +
		"s1,s2,like,1,\n"
)

func TestImport(t *testing.T) {
	fetch := &mapFetcher{files: map[string]string{
		"sources.csv":   sourcesCSV,
		"events.csv":    eventsCSV,
		"messages.csv":  messagesCSV,
		"relations.csv": relationsCSV,
	}}
	repo := memory.New()

	rep, err := NewImporter(fetch, repo).Import(context.Background(), Files{
		Sources:   "sources.csv",
		Events:    "events.csv",
		Messages:  "messages.csv",
		Relations: "relations.csv",
	})
	require.NoError(t, err)

	assert.Equal(t, Counts{Imported: 2, Skipped: 1}, rep.Sources)
	assert.Equal(t, Counts{Imported: 2, Skipped: 2}, rep.Events)
	assert.Equal(t, Counts{Imported: 2, Skipped: 1}, rep.Messages)
	assert.Equal(t, Counts{Imported: 2, Skipped: 2}, rep.Relations)
	assert.Len(t, rep.Rejected, 6)

	s2, ok := repo.Source("s2")
	require.True(t, ok)
	assert.Equal(t, "s2", s2.Name, "name falls back to id")

	e1, ok := repo.Event("e1")
	require.True(t, ok)
	assert.Equal(t, []string{"osint-a", "osint-b"}, e1.Sources)
	require.True(t, e1.HasCoordinates())
	assert.InDelta(t, 50.11, *e1.Latitude, 1e-9)
	assert.Equal(t, common.EventStatusActive, e1.Status)

	e2, ok := repo.Event("e2")
	require.True(t, ok)
	assert.Equal(t, 1.0, e2.Confidence, "confidence is clamped")
	assert.Equal(t, time.Date(2025, 9, 10, 13, 0, 0, 0, time.UTC), e2.Timestamp)

	m1, ok := repo.Message("m1")
	require.True(t, ok)
	assert.Equal(t, "drone, over Rzeszow", m1.Text)
	assert.Equal(t, int64(104), m1.Engagement())

	m2, ok := repo.Message("m2")
	require.True(t, ok)
	assert.Equal(t, time.Unix(1757505600, 0).UTC(), m2.Timestamp)

	rels, err := repo.FetchSocialRelations(context.Background(), common.TimeRange{})
	require.NoError(t, err)
	require.Len(t, rels, 2)
	assert.Equal(t, common.RelationForward, rels[0].Kind)
	assert.Equal(t, int64(1), rels[1].Count, "missing count means one")
}

func TestReimportKeepsTimestampedRelations(t *testing.T) {
	fetch := &mapFetcher{files: map[string]string{
		"relations.csv": "from_source_id,to_source_id,kind,count,observed_at\n" +
			"s1,s2,forward,3,2025-09-09\n" +
			"s2,s1,mention,2,2025-09-09T10:00:00Z\n",
	}}
	repo := memory.New()
	imp := NewImporter(fetch, repo)

	for range 2 {
		rep, err := imp.Import(context.Background(), Files{Relations: "relations.csv"})
		require.NoError(t, err)
		assert.Equal(t, Counts{Imported: 2}, rep.Relations)
	}

	rels, err := repo.FetchSocialRelations(context.Background(), common.TimeRange{})
	require.NoError(t, err)
	require.Len(t, rels, 2)
	assert.Equal(t, int64(3), rels[0].Count)
}

func TestImportKeepsAnnotations(t *testing.T) {
	repo := memory.New()
	repo.Seed(memory.Fixture{Messages: []common.MessageRecord{{
		ID: "m1", SourceID: "s1", Timestamp: time.Now(),
		Annotation: common.Annotation{SuspicionScore: 0.7, MatchedKeywords: []string{"drone"}},
	}}})

	fetch := &mapFetcher{files: map[string]string{"messages.csv": messagesCSV}}
	_, err := NewImporter(fetch, repo).Import(context.Background(), Files{Messages: "messages.csv"})
	require.NoError(t, err)

	m1, _ := repo.Message("m1")
	assert.Equal(t, 0.7, m1.Annotation.SuspicionScore)
	assert.Equal(t, int64(100), m1.Views)
}

func TestImportErrors(t *testing.T) {
	tests := []struct {
		name    string
		files   Files
		content map[string]string
		repo    func() *memory.Store
		is      error
	}{
		{
			name:    "missing required column",
			files:   Files{Events: "events.csv"},
			content: map[string]string{"events.csv": "id,title\ne1,x\n"},
			is:      common.ErrMalformedInput,
		},
		{
			name:    "empty file",
			files:   Files{Sources: "sources.csv"},
			content: map[string]string{"sources.csv": ""},
			is:      common.ErrMalformedInput,
		},
		{
			name:    "store down",
			files:   Files{Sources: "sources.csv"},
			content: map[string]string{"sources.csv": sourcesCSV},
			repo: func() *memory.Store {
				s := memory.New()
				s.FailWith(errors.New("connection refused"))
				return s
			},
			is: store.ErrUnavailable,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := memory.New()
			if tc.repo != nil {
				repo = tc.repo()
			}
			_, err := NewImporter(&mapFetcher{files: tc.content}, repo).Import(context.Background(), tc.files)
			assert.ErrorIs(t, err, tc.is)
		})
	}

	_, err := NewImporter(&mapFetcher{}, memory.New()).Import(context.Background(), Files{Sources: "gone.csv"})
	assert.ErrorContains(t, err, "fetch sources")
}

func TestCachedFetcherSharesCalls(t *testing.T) {
	next := &mapFetcher{files: map[string]string{"a.csv": "id\n1\n"}}
	cached := NewCachedFetcher(next)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := cached.Fetch(context.Background(), "a.csv")
			assert.NoError(t, err)
			assert.Equal(t, "id\n1\n", string(data))
		}()
	}
	wg.Wait()

	_, err := cached.Fetch(context.Background(), "a.csv")
	require.NoError(t, err)
	assert.Equal(t, int32(1), next.calls.Load())

	_, err = cached.Fetch(context.Background(), "missing.csv")
	assert.Error(t, err)
}

type fakeGetter struct {
	bucket, key string
}

func (g *fakeGetter) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	g.bucket, g.key = *in.Bucket, *in.Key
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("id\ns1\n"))}, nil
}

func TestRouter(t *testing.T) {
	getter := &fakeGetter{}
	files := &mapFetcher{files: map[string]string{"local.csv": "local"}}
	r := Router{Files: files, S3: NewS3Fetcher(getter)}

	data, err := r.Fetch(context.Background(), "s3://exports/2025/sources.csv")
	require.NoError(t, err)
	assert.Equal(t, "id\ns1\n", string(data))
	assert.Equal(t, "exports", getter.bucket)
	assert.Equal(t, "2025/sources.csv", getter.key)

	data, err = r.Fetch(context.Background(), "local.csv")
	require.NoError(t, err)
	assert.Equal(t, "local", string(data))

	_, err = Router{}.Fetch(context.Background(), "s3://b/k")
	assert.Error(t, err)
}

func TestSplitS3URL(t *testing.T) {
	tests := []struct {
		in          string
		bucket, key string
		ok          bool
	}{
		{in: "s3://b/k.csv", bucket: "b", key: "k.csv", ok: true},
		{in: "s3://b/dir/k.csv", bucket: "b", key: "dir/k.csv", ok: true},
		{in: "s3://b", ok: false},
		{in: "s3:///k", ok: false},
		{in: "/tmp/k.csv", ok: false},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			bucket, key, ok := SplitS3URL(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.bucket, bucket)
			assert.Equal(t, tc.key, key)
		})
	}
}
