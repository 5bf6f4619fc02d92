package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds S3/MinIO configuration.
type S3Config struct {
	// Endpoint is the S3/MinIO endpoint (e.g., "localhost:9000").
	Endpoint string

	// AccessKey is the access key.
	AccessKey string

	// SecretKey is the secret key.
	SecretKey string

	// UseSSL enables SSL for the connection.
	UseSSL bool

	// Region is the S3 region (optional for MinIO).
	Region string

	// Bucket holds the artifacts.
	Bucket string

	// Prefix is prepended to every object key.
	Prefix string
}

// ObjectClient is the subset of object storage operations the S3 store needs.
type ObjectClient interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
	EnsureBucket(ctx context.Context, bucket string) error
}

// S3Store keeps artifacts as objects at {prefix}/{dir}/{name}. A PUT
// replaces the object whole, which keeps writes idempotent.
type S3Store struct {
	client ObjectClient
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Store creates an S3 store over a MinIO client and ensures the bucket exists.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	client, err := NewMinIOClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewS3StoreWithClient(ctx, client, cfg.Bucket, cfg.Prefix, logger)
}

// NewS3StoreWithClient creates an S3 store over any ObjectClient.
func NewS3StoreWithClient(ctx context.Context, client ObjectClient, bucket, prefix string, logger *slog.Logger) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("artifact bucket is required")
	}
	if err := client.EnsureBucket(ctx, bucket); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With("component", "artifact-store", "backend", "s3", "bucket", bucket),
	}, nil
}

// Key returns the object key for an artifact.
func (s *S3Store) Key(dir Dir, name string) string {
	return path.Join(s.prefix, string(dir), name)
}

// Write uploads the artifact.
func (s *S3Store) Write(ctx context.Context, dir Dir, name string, data []byte) error {
	if err := ValidName(name); err != nil {
		return err
	}
	if err := s.client.Put(ctx, s.bucket, s.Key(dir, name), data, "application/json"); err != nil {
		return err
	}
	s.logger.Debug("artifact written", "key", s.Key(dir, name), "bytes", len(data))
	return nil
}

// Read downloads the artifact.
func (s *S3Store) Read(ctx context.Context, dir Dir, name string) ([]byte, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	return s.client.Get(ctx, s.bucket, s.Key(dir, name))
}

// Exists reports whether the artifact object exists.
func (s *S3Store) Exists(ctx context.Context, dir Dir, name string) (bool, error) {
	if err := ValidName(name); err != nil {
		return false, err
	}
	return s.client.Exists(ctx, s.bucket, s.Key(dir, name))
}

// MinIOClient implements ObjectClient using the MinIO SDK.
type MinIOClient struct {
	client *minio.Client
	logger *slog.Logger
}

// NewMinIOClient creates a new MinIO client.
func NewMinIOClient(cfg S3Config, logger *slog.Logger) (*MinIOClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinIOClient{
		client: client,
		logger: logger.With("component", "s3-client"),
	}, nil
}

// Put uploads data to bucket/key.
func (c *MinIOClient) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := c.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload object: %w", err)
	}
	return nil
}

// Get downloads bucket/key.
func (c *MinIOClient) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Exists checks if an object exists.
func (c *MinIOClient) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}

// EnsureBucket ensures the bucket exists, creating it if necessary.
func (c *MinIOClient) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket exists: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}

	c.logger.Info("bucket created", "bucket", bucket)
	return nil
}

var (
	_ Store        = (*S3Store)(nil)
	_ ObjectClient = (*MinIOClient)(nil)
)
