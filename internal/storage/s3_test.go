package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/corvid/backend/internal/util"
)

type fakeS3 struct {
	objects  map[string][]byte
	failPuts int
	puts     int
	pageSize int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}, pageSize: 1000} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts++
	if f.failPuts > 0 {
		f.failPuts--
		return nil, errors.New("slow down")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, *in.Prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	start := 0
	if in.ContinuationToken != nil {
		start = slices.Index(keys, *in.ContinuationToken)
	}
	end := min(start+f.pageSize, len(keys))
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, o := range in.Delete.Objects {
		delete(f.objects, *o.Key)
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func newStore(f *fakeS3) *ArtifactStore {
	a := NewArtifactStore(f, "corvid")
	a.backoff = util.Backoff{}
	return a
}

func TestArtifactKey(t *testing.T) {
	key, err := ArtifactKey("run1", "graph.graphml")
	require.NoError(t, err)
	assert.Equal(t, "runs/run1/graph.graphml", key)

	for _, bad := range [][2]string{{"", "x"}, {"run", ""}, {"a/b", "x"}, {"run", "../x"}, {"run", ".."}} {
		_, err := ArtifactKey(bad[0], bad[1])
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestPutArtifactRetries(t *testing.T) {
	f := newFakeS3()
	f.failPuts = 2
	a := newStore(f)

	key, err := a.PutArtifact(context.Background(), "run1", "graph.json", "application/json", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 3, f.puts)

	got, err := a.GetArtifact(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), got)
}

func TestPutArtifactGivesUp(t *testing.T) {
	f := newFakeS3()
	f.failPuts = 5
	a := newStore(f)

	_, err := a.PutArtifact(context.Background(), "run1", "graph.json", "application/json", nil)
	require.Error(t, err)
	assert.Equal(t, 3, f.puts)
}

func TestListAndDeleteRun(t *testing.T) {
	f := newFakeS3()
	f.pageSize = 2
	a := newStore(f)
	ctx := context.Background()

	for _, name := range []string{"a.json", "b.yaml", "c.graphml"} {
		_, err := a.PutArtifact(ctx, "run1", name, "text/plain", []byte(name))
		require.NoError(t, err)
	}
	_, err := a.PutArtifact(ctx, "run10", "a.json", "text/plain", nil)
	require.NoError(t, err)

	keys, err := a.ListRun(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, []string{"runs/run1/a.json", "runs/run1/b.yaml", "runs/run1/c.graphml"}, keys)

	require.NoError(t, a.DeleteRun(ctx, "run1"))
	assert.Len(t, f.objects, 1)
	assert.Contains(t, f.objects, "runs/run10/a.json")
	assert.ErrorIs(t, a.DeleteRun(ctx, ""), ErrInvalidKey)
}

func TestDownloadLinkRejectsForeignKeys(t *testing.T) {
	a := newStore(newFakeS3())
	_, err := a.DownloadLink(context.Background(), "secrets/x", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = a.DownloadLink(context.Background(), "runs/r1/graph.json", time.Minute)
	assert.Error(t, err)
}
