package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/singleflight"
)

// Fetcher returns the raw bytes behind a location.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// FileFetcher reads from the local filesystem.
type FileFetcher struct{}

func (FileFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	return os.ReadFile(location)
}

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher reads s3://bucket/key locations.
type S3Fetcher struct {
	client objectGetter
}

func NewS3Fetcher(client objectGetter) *S3Fetcher {
	return &S3Fetcher{client: client}
}

func (f *S3Fetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	bucket, key, ok := SplitS3URL(location)
	if !ok {
		return nil, fmt.Errorf("not an s3 location: %s", location)
	}
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", location, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// SplitS3URL splits s3://bucket/key. ok is false for any other location.
func SplitS3URL(location string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(location, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Router picks the S3 fetcher for s3:// locations and the file fetcher for
// everything else. S3 may be nil when no bucket access is configured.
type Router struct {
	Files Fetcher
	S3    Fetcher
}

func (r Router) Fetch(ctx context.Context, location string) ([]byte, error) {
	if strings.HasPrefix(location, "s3://") {
		if r.S3 == nil {
			return nil, fmt.Errorf("no s3 client configured for %s", location)
		}
		return r.S3.Fetch(ctx, location)
	}
	files := r.Files
	if files == nil {
		files = FileFetcher{}
	}
	return files.Fetch(ctx, location)
}

// CachedFetcher memoizes another Fetcher. Concurrent fetches of the same
// location share one call.
type CachedFetcher struct {
	next Fetcher

	cache   map[string][]byte
	cacheMu sync.RWMutex
	group   singleflight.Group
}

func NewCachedFetcher(next Fetcher) *CachedFetcher {
	return &CachedFetcher{
		next:  next,
		cache: make(map[string][]byte),
	}
}

func (c *CachedFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	if cached, ok := c.cached(location); ok {
		return cached, nil
	}

	result, err, _ := c.group.Do(location, func() (any, error) {
		if cached, ok := c.cached(location); ok {
			return cached, nil
		}
		data, err := c.next.Fetch(ctx, location)
		if err != nil {
			return nil, err
		}
		c.cacheMu.Lock()
		c.cache[location] = data
		c.cacheMu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (c *CachedFetcher) cached(location string) ([]byte, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	data, ok := c.cache[location]
	return data, ok
}
