package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore implements ObjectBackend on a MinIO (S3-compatible) endpoint
type MinioStore struct {
	client *minio.Client
}

// NewMinioStore builds an object store client. The connection is lazy;
// EnsureBuckets is the first real round trip.
func NewMinioStore(endpoint, accessKey, secretKey string, secure bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("connect minio: %w", err)
	}
	return &MinioStore{client: client}, nil
}

// EnsureBuckets creates the screenshots and binaries buckets if missing
func (s *MinioStore) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{BucketScreenshots, BucketBinaries} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w: %v", bucket, ErrUnavailable, err)
		}
		if exists {
			continue
		}
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			// Lost a race with another process creating it.
			if exists, checkErr := s.client.BucketExists(ctx, bucket); checkErr == nil && exists {
				continue
			}
			return fmt.Errorf("create bucket %s: %w: %v", bucket, ErrUnavailable, err)
		}
	}
	return nil
}

// Upload stores a blob at (bucket, objectPath). Objects are immutable:
// re-uploading identical bytes is a no-op, different bytes at an existing
// path are rejected as a conflict.
func (s *MinioStore) Upload(ctx context.Context, bucket, objectPath string, data []byte, contentType string) error {
	stat, err := s.client.StatObject(ctx, bucket, objectPath, minio.StatObjectOptions{})
	if err == nil {
		sum := md5.Sum(data)
		if stat.Size == int64(len(data)) && strings.Trim(stat.ETag, `"`) == hex.EncodeToString(sum[:]) {
			return nil // idempotent replay
		}
		return fmt.Errorf("object %s/%s already exists with different content: %w", bucket, objectPath, ErrConflict)
	}
	if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("stat %s/%s: %w: %v", bucket, objectPath, ErrUnavailable, err)
	}

	_, err = s.client.PutObject(ctx, bucket, objectPath, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w: %v", bucket, objectPath, ErrUnavailable, err)
	}
	return nil
}

// Get reads a blob back
func (s *MinioStore) Get(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w: %v", bucket, objectPath, ErrUnavailable, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("object %s/%s: %w", bucket, objectPath, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s/%s: %w: %v", bucket, objectPath, ErrUnavailable, err)
	}
	return data, nil
}

// Stat returns the size of a stored object
func (s *MinioStore) Stat(ctx context.Context, bucket, objectPath string) (int64, error) {
	stat, err := s.client.StatObject(ctx, bucket, objectPath, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return 0, fmt.Errorf("object %s/%s: %w", bucket, objectPath, ErrNotFound)
		}
		return 0, fmt.Errorf("stat %s/%s: %w: %v", bucket, objectPath, ErrUnavailable, err)
	}
	return stat.Size, nil
}

// PresignGet returns a time-limited download URL for a stored object
func (s *MinioStore) PresignGet(ctx context.Context, bucket, objectPath string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, objectPath, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w: %v", bucket, objectPath, ErrUnavailable, err)
	}
	return u.String(), nil
}

// Ping checks connectivity to the object store
func (s *MinioStore) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, BucketScreenshots); err != nil {
		return fmt.Errorf("minio: %w: %v", ErrUnavailable, err)
	}
	return nil
}
