package uploader

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/marketsnap/snapsync/internal/config"
)

// MinioBlobs is the production BlobStore: one bucket of snap media keyed by
// ownerID/snapID.
type MinioBlobs struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinioBlobs creates a MinIO client from the Config.
func NewMinioBlobs(cfg *config.Config) (*MinioBlobs, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &MinioBlobs{client: client, bucket: cfg.SnapBucket, region: cfg.S3Region}, nil
}

// EnsureBucket makes sure the snap bucket exists before use.
func (m *MinioBlobs) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", m.bucket, err)
		}
	}
	return nil
}

// Put uploads the media file. The object key doubles as the blob reference.
func (m *MinioBlobs) Put(ctx context.Context, key, localPath, contentType string) (string, error) {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := m.client.FPutObject(ctx, m.bucket, key, localPath, opts); err != nil {
		return "", fmt.Errorf("put media object: %w", err)
	}
	return key, nil
}

// Stat reports whether the object already exists and at what size.
func (m *MinioBlobs) Stat(ctx context.Context, key string) (int64, bool, error) {
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat media object: %w", err)
	}
	return info.Size, true, nil
}
