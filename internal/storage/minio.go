package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioConfig holds MinIO configuration
type MinioConfig struct {
	Endpoint      string
	Bucket        string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	Region        string
	PresignExpiry time.Duration
}

// MinioStorage stores objects through the native MinIO client
type MinioStorage struct {
	client *minio.Client
	cfg    MinioConfig
	logger *zap.Logger
}

// NewMinioStorage creates a MinIO client
func NewMinioStorage(cfg MinioConfig, logger *zap.Logger) (*MinioStorage, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio endpoint and bucket are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = defaultPresignExpiry
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	logger.Info("MinIO storage configured",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("bucket", cfg.Bucket))

	return &MinioStorage{client: client, cfg: cfg, logger: logger}, nil
}

func (s *MinioStorage) Put(ctx context.Context, path string, body io.Reader, size int64, meta ObjectMeta) (*Object, error) {
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, path, body, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta.Metadata,
	})
	if err != nil {
		return nil, wrap("put", path, err)
	}
	return &Object{Path: path, Size: info.Size, ETag: info.ETag}, nil
}

func (s *MinioStorage) DownloadURL(ctx context.Context, path string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, path, s.cfg.PresignExpiry, nil)
	if err != nil {
		return "", wrap("presign", path, err)
	}
	return u.String(), nil
}

// PresignExpiry is how long DownloadURL results stay valid
func (s *MinioStorage) PresignExpiry() time.Duration {
	return s.cfg.PresignExpiry
}

func (s *MinioStorage) Health(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return wrap("bucket-exists", s.cfg.Bucket, err)
	}
	if !exists {
		return &Error{Code: CodeNotFound, Op: "bucket-exists", Path: s.cfg.Bucket, Err: errors.New("bucket does not exist")}
	}
	return nil
}

// EnsureBucket creates the bucket when it does not exist
func (s *MinioStorage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return wrap("bucket-exists", s.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return wrap("make-bucket", s.cfg.Bucket, err)
	}
	s.logger.Info("Created bucket", zap.String("bucket", s.cfg.Bucket))
	return nil
}
