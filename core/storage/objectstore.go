package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"meldhub/config"
)

// ObjectStore is the surface the workorder integration needs from the
// S3-compatible bucket: drop a file, and check whether the consumer's
// sync marker is present.
type ObjectStore interface {
	Put(ctx context.Context, objectName, contentType string, data []byte) error
	Exists(ctx context.Context, objectName string) (bool, error)
}

// NewObjectStore picks the bucket implementation from config. With no
// endpoint every operation fails, which surfaces as retryable upload
// task errors instead of a boot failure.
func NewObjectStore(cfg config.StorageConfig) (ObjectStore, error) {
	if cfg.Endpoint == "" {
		return disabledStore{}, nil
	}
	return NewMinioStore(cfg)
}

type disabledStore struct{}

func (disabledStore) Put(ctx context.Context, objectName, contentType string, data []byte) error {
	return errors.New("object storage is not configured")
}

func (disabledStore) Exists(ctx context.Context, objectName string) (bool, error) {
	return false, errors.New("object storage is not configured")
}

type minioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(cfg config.StorageConfig) (ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &minioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *minioStore) Put(ctx context.Context, objectName, contentType string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", objectName, err)
	}
	return nil
}

func (s *minioStore) Exists(ctx context.Context, objectName string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectName, minio.StatObjectOptions{})
	if err != nil {
		var respErr minio.ErrorResponse
		if errors.As(err, &respErr) && respErr.Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
