// Package reliability provides durability services: off-site database
// backups and the S3-compatible object store they ship to. Evidence exports
// reuse the same store.
package reliability

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/archonlabs/bastion/internal/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Object describes one stored object
type Object struct {
	LastModified time.Time `json:"last_modified"`
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
}

// ObjectStore wraps an S3-compatible bucket. Any provider with an S3 API
// works: the endpoint comes from configuration, so R2, MinIO, and AWS
// itself are interchangeable.
type ObjectStore struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// NewObjectStore creates an object store client from configuration.
// Returns nil when no endpoint is configured: callers treat a nil store as
// "uploads disabled".
func NewObjectStore(cfg config.ObjectStoreConfig, log zerolog.Logger) (*ObjectStore, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store endpoint set but bucket is empty")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load object store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	return &ObjectStore{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		log:      log.With().Str("component", "object_store").Logger(),
	}, nil
}

// Upload stores an object under key. Large bodies are uploaded in parts.
func (s *ObjectStore) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	s.log.Info().
		Str("key", key).
		Int64("size_bytes", size).
		Dur("duration", time.Since(start)).
		Msg("Object uploaded")
	return nil
}

// Download streams an object. The caller must close the returned reader.
func (s *ObjectStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return out.Body, nil
}

// List returns objects under the prefix, newest first
func (s *ObjectStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			o := Object{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			objects = append(objects, o)
		}
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.After(objects[j].LastModified)
	})
	return objects, nil
}

// Delete removes an object
func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	s.log.Info().Str("key", key).Msg("Object deleted")
	return nil
}
