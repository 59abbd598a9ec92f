// Package storage provides the blob stores behind fiscal.BlobStore.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
	infraconfig "github.com/cfdisync/backend/internal/infrastructure/config"
)

var _ fiscal.BlobStore = (*S3BlobStore)(nil)

var (
	// ErrEmptyPath is returned for operations without an object path.
	ErrEmptyPath = errors.New("storage: object path is required")
	// ErrChecksumMismatch means the stored bytes differ from what Put wrote.
	ErrChecksumMismatch = errors.New("storage: checksum mismatch")
)

// checksumKey is the user metadata entry holding the hex SHA-256 of the
// object, written by Put and verified by Get.
const checksumKey = "sha256"

// S3BlobStore keeps download archives, stamped XML and credential files in
// an S3-compatible bucket (AWS S3, MinIO, RustFS).
type S3BlobStore struct {
	client *s3.Client
	bucket string
	log    *zap.Logger
}

type S3Option func(*S3BlobStore)

func WithLogger(l *zap.Logger) S3Option {
	return func(s *S3BlobStore) { s.log = l.Named("blobstore") }
}

// NewS3BlobStore validates cfg and builds the client. It does not touch the
// network; call EnsureBucket for that.
func NewS3BlobStore(cfg *infraconfig.StorageConfig, opts ...S3Option) (*S3BlobStore, error) {
	if cfg == nil {
		return nil, errors.New("storage: configuration is required")
	}
	for _, req := range []struct{ name, v string }{
		{"bucket", cfg.Bucket},
		{"access key", cfg.AccessKey},
		{"secret key", cfg.SecretKey},
	} {
		if req.v == "" {
			return nil, fmt.Errorf("storage: %s is required", req.name)
		}
	}
	endpoint, err := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		o.BaseEndpoint = aws.String(endpoint)
		// MinIO and RustFS reject the SDK's default streaming checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	s := &S3BlobStore{client: client, bucket: cfg.Bucket, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func normalizeEndpoint(endpoint string, useSSL bool) (string, error) {
	switch {
	case endpoint == "":
		endpoint = "http://localhost:9000"
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
	case useSSL:
		endpoint = "https://" + endpoint
	default:
		endpoint = "http://" + endpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return "", fmt.Errorf("storage: invalid endpoint: %w", err)
	}
	return endpoint, nil
}

// Bucket returns the configured bucket name.
func (s *S3BlobStore) Bucket() string { return s.bucket }

// EnsureBucket creates the bucket when it is missing.
func (s *S3BlobStore) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) {
		return fmt.Errorf("storage: head bucket %s: %w", s.bucket, err)
	}

	s.log.Info("creating bucket", zap.String("bucket", s.bucket))
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	var owned *types.BucketAlreadyOwnedByYou
	if err != nil && !errors.As(err, &owned) {
		return fmt.Errorf("storage: create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put writes data at path, replacing any previous object.
func (s *S3BlobStore) Put(ctx context.Context, path string, data []byte, contentType string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	sum := sha256.Sum256(data)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(path),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{checksumKey: hex.EncodeToString(sum[:])},
	})
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", path, err)
	}
	s.log.Debug("stored", zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}

// Get reads the object at path. A missing object yields shared.ErrNotFound;
// bytes that do not match the checksum recorded by Put yield
// ErrChecksumMismatch. Objects written without a checksum are returned as is.
func (s *S3BlobStore) Get(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(path)})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: object %s", shared.ErrNotFound, path)
		}
		return nil, fmt.Errorf("storage: get %s: %w", path, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	if want := out.Metadata[checksumKey]; want != "" {
		sum := sha256.Sum256(data)
		if !strings.EqualFold(want, hex.EncodeToString(sum[:])) {
			s.log.Error("object corrupted", zap.String("path", path))
			return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, path)
		}
	}
	return data, nil
}

// Delete removes the object at path. Deleting a missing object succeeds.
func (s *S3BlobStore) Delete(ctx context.Context, path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(path)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	// Some S3-compatible services send the code without a typed error.
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "NoSuchKey")
}
