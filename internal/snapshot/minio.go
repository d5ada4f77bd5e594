package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore keeps snapshot blobs in an S3-compatible object store.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStoreFromEnv connects using SNAPSHOT_S3_ENDPOINT,
// SNAPSHOT_S3_ACCESS_KEY, SNAPSHOT_S3_SECRET_KEY and SNAPSHOT_S3_BUCKET,
// creating the bucket when missing.
func NewMinioStoreFromEnv(ctx context.Context) (*MinioStore, error) {
	endpoint := os.Getenv("SNAPSHOT_S3_ENDPOINT")
	if endpoint == "" {
		return nil, fmt.Errorf("snapshot store: SNAPSHOT_S3_ENDPOINT not set")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(
			os.Getenv("SNAPSHOT_S3_ACCESS_KEY"),
			os.Getenv("SNAPSHOT_S3_SECRET_KEY"), ""),
		Secure: os.Getenv("SNAPSHOT_S3_INSECURE") != "true",
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}

	bucket := os.Getenv("SNAPSHOT_S3_BUCKET")
	if bucket == "" {
		bucket = "wopr-snapshots"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("snapshot store: create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, storagePath string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, storagePath, r, size, minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	return err
}

func (s *MinioStore) Get(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, storagePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; surface a missing object now rather than on first
	// read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, err
	}
	return obj, nil
}

func (s *MinioStore) Delete(ctx context.Context, storagePath string) error {
	return s.client.RemoveObject(ctx, s.bucket, storagePath, minio.RemoveObjectOptions{})
}
