package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/OFFIS-RIT/corvid/backend/internal/util"
)

// ErrInvalidKey is returned for artifact names that would escape the run
// prefix.
var ErrInvalidKey = errors.New("invalid artifact key")

// ObjectAPI is the subset of the S3 client the artifact store uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

func NewS3Client(ctx context.Context) (*s3.Client, error) {
	region := util.GetEnv("AWS_REGION")
	endpoint := util.GetEnv("AWS_ENDPOINT")
	accessKey := util.GetEnv("AWS_ACCESS_KEY")
	secretKey := util.GetEnv("AWS_SECRET_KEY")
	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey,
			secretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return client, nil
}

// ArtifactStore keeps run exports under runs/<run id>/ in one bucket.
type ArtifactStore struct {
	client  ObjectAPI
	bucket  string
	tries   int
	backoff util.Backoff
	presign *s3.Client
}

// NewArtifactStore returns a store writing to bucket. An empty bucket falls
// back to AWS_BUCKET.
func NewArtifactStore(client ObjectAPI, bucket string) *ArtifactStore {
	if bucket == "" {
		bucket = util.GetEnv("AWS_BUCKET")
	}
	return &ArtifactStore{client: client, bucket: bucket, tries: 3, backoff: util.DefaultBackoff}
}

// ArtifactKey is the object key for a named artifact of a run.
func ArtifactKey(runID, name string) (string, error) {
	if runID == "" || name == "" || strings.Contains(runID, "/") || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q/%q", ErrInvalidKey, runID, name)
	}
	return path.Join("runs", runID, name), nil
}

// PutArtifact uploads data and returns its key. Transient failures are
// retried.
func (a *ArtifactStore) PutArtifact(ctx context.Context, runID, name, contentType string, data []byte) (string, error) {
	key, err := ArtifactKey(runID, name)
	if err != nil {
		return "", err
	}
	err = util.RetryErrWithContext(ctx, a.tries, a.backoff, func(ctx context.Context) error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}
	return key, nil
}

// GetArtifact downloads the object stored under key.
func (a *ArtifactStore) GetArtifact(ctx context.Context, key string) ([]byte, error) {
	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get file from S3: %w", err)
	}
	defer result.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, result.Body); err != nil {
		return nil, fmt.Errorf("failed to read file contents: %w", err)
	}
	return buf.Bytes(), nil
}

// ListRun returns the keys stored for a run.
func (a *ArtifactStore) ListRun(ctx context.Context, runID string) ([]string, error) {
	return a.list(ctx, path.Join("runs", runID)+"/")
}

// DeleteRun removes every artifact of a run.
func (a *ArtifactStore) DeleteRun(ctx context.Context, runID string) error {
	if runID == "" {
		return fmt.Errorf("%w: empty run id", ErrInvalidKey)
	}
	keys, err := a.ListRun(ctx, runID)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += 1000 {
		chunk := keys[start:min(start+1000, len(keys))]
		objects := make([]types.ObjectIdentifier, 0, len(chunk))
		for _, k := range chunk {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err = a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(a.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete artifacts of run %s: %w", runID, err)
		}
	}
	return nil
}

func (a *ArtifactStore) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	listInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	}

	for {
		listOutput, err := a.client.ListObjectsV2(ctx, listInput)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects with prefix %s: %w", prefix, err)
		}

		for _, obj := range listOutput.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}

		if listOutput.IsTruncated != nil && *listOutput.IsTruncated {
			listInput.ContinuationToken = listOutput.NextContinuationToken
		} else {
			break
		}
	}
	return keys, nil
}

// WithPresigner enables DownloadLink using client's region and credentials.
func (a *ArtifactStore) WithPresigner(client *s3.Client) *ArtifactStore {
	a.presign = client
	return a
}

// DownloadLink presigns a GET for an artifact key.
func (a *ArtifactStore) DownloadLink(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if !strings.HasPrefix(key, "runs/") || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if a.presign == nil {
		return "", errors.New("download links are not configured")
	}
	return GenerateDownloadLink(ctx, a.presign, a.bucket, key, ttl)
}

// GenerateDownloadLink presigns a GET for key against AWS_PUBLIC_ENDPOINT,
// valid for ttl.
func GenerateDownloadLink(ctx context.Context, baseClient *s3.Client, bucket, key string, ttl time.Duration) (string, error) {
	publicEndpoint := util.GetEnv("AWS_PUBLIC_ENDPOINT")

	publicURL, err := url.Parse(publicEndpoint)
	if err != nil || publicURL.Scheme == "" || publicURL.Host == "" {
		return "", fmt.Errorf("invalid AWS_PUBLIC_ENDPOINT: %s", publicEndpoint)
	}
	prefix := strings.TrimSuffix(publicURL.Path, "/")
	publicBaseEndpoint := fmt.Sprintf("%s://%s", publicURL.Scheme, publicURL.Host)

	// presign against the public host so the signature matches what the
	// client sends
	presignClient := s3.NewFromConfig(
		aws.Config{
			Region:      baseClient.Options().Region,
			Credentials: baseClient.Options().Credentials,
			HTTPClient:  baseClient.Options().HTTPClient,
		},
		func(o *s3.Options) {
			o.BaseEndpoint = aws.String(publicBaseEndpoint)
			o.UsePathStyle = true
		},
	)

	out, err := s3.NewPresignClient(presignClient).PresignGetObject(
		ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		},
		s3.WithPresignExpires(ttl),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate download link: %w", err)
	}

	if prefix != "" {
		signedURL, parseErr := url.Parse(out.URL)
		if parseErr != nil {
			return "", fmt.Errorf("failed to parse presigned url: %w", parseErr)
		}
		signedURL.Path = prefix + signedURL.Path
		return signedURL.String(), nil
	}
	return out.URL, nil
}
