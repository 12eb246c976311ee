package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// S3Config holds configuration for the S3 storage backend.
type S3Config struct {
	Endpoint     string // Custom endpoint for S3-compatible services (e.g., http://localhost:9000)
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool          // required for MinIO and most S3-compatible services
	PresignTTL   time.Duration // lifetime of URLs returned by URL
}

// S3Backend implements StorageBackend using AWS S3 or compatible services.
type S3Backend struct {
	client     *s3.Client
	presign    *s3.PresignClient
	bucket     string
	presignTTL time.Duration
}

func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &S3Backend{
		client:     client,
		presign:    s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		presignTTL: ttl,
	}, nil
}

func (s *S3Backend) Save(ctx context.Context, r io.Reader, opts SaveOptions) (SaveResult, error) {
	key, err := CleanPath(opts.Path)
	if err != nil {
		return SaveResult{}, err
	}

	// PutObject needs a seekable body for signing
	hasher := sha256.New()
	content, err := io.ReadAll(io.TeeReader(r, hasher))
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to read content: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return SaveResult{}, fmt.Errorf("failed to upload to S3: %w", err)
	}

	return SaveResult{
		Path: key,
		Hash: hex.EncodeToString(hasher.Sum(nil)),
		Size: int64(len(content)),
	}, nil
}

func (s *S3Backend) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isS3NotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	return output.Body, nil
}

// Delete removes an object from S3. Returns nil if object doesn't exist (idempotent).
func (s *S3Backend) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil && !isS3NotFoundError(err) {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

func (s *S3Backend) Stat(ctx context.Context, path string) (FileInfo, error) {
	output, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isS3NotFoundError(err) {
			return FileInfo{}, ErrNotFound
		}
		return FileInfo{}, fmt.Errorf("failed to stat object in S3: %w", err)
	}

	info := FileInfo{Path: path}
	if output.LastModified != nil {
		info.ModTime = *output.LastModified
	}
	if output.ContentLength != nil {
		info.Size = *output.ContentLength
	}
	return info, nil
}

// URL returns a presigned GET URL for the object.
func (s *S3Backend) URL(ctx context.Context, path string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	}, s3.WithPresignExpires(s.presignTTL))
	if err != nil {
		return "", fmt.Errorf("failed to presign object URL: %w", err)
	}
	return req.URL, nil
}

func (s *S3Backend) IsLocal() bool { return false }

// HealthCheck verifies S3 connectivity by listing bucket (limited to 1 object).
func (s *S3Backend) HealthCheck(ctx context.Context) error {
	_, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("S3 health check failed: %w", err)
	}
	return nil
}

// ValidateAccess performs a full read/write/delete test on S3.
func (s *S3Backend) ValidateAccess(ctx context.Context) error {
	testKey := ".kobocat-access-test-" + uuid.New().String()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(testKey),
		Body:   bytes.NewReader([]byte("access test")),
	})
	if err != nil {
		return fmt.Errorf("S3 write access test failed: %w", err)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(testKey),
	})
	if err != nil {
		return fmt.Errorf("S3 read access test failed: %w", err)
	}
	out.Body.Close()

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(testKey),
	})
	if err != nil {
		return fmt.Errorf("S3 delete access test failed: %w", err)
	}
	return nil
}

func isS3NotFoundError(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
