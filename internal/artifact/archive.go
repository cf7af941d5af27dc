package artifact

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver copies artifact blobs to long-term storage before they are
// cleared from disk.
type Archiver interface {
	Put(ctx context.Context, objectName string, data []byte) error
}

// S3Config configures the S3-compatible archival target.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3Archiver uploads cleared artifacts to an S3-compatible bucket.
type S3Archiver struct {
	client *minio.Client
	bucket string
}

var _ Archiver = (*S3Archiver)(nil)

// NewS3Archiver connects to the configured endpoint. The bucket must already
// exist; the coordinator never creates infrastructure.
func NewS3Archiver(cfg S3Config) (*S3Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archive client: %w", err)
	}
	return &S3Archiver{client: client, bucket: cfg.Bucket}, nil
}

// Put implements Archiver.
func (a *S3Archiver) Put(ctx context.Context, objectName string, data []byte) error {
	_, err := a.client.PutObject(ctx, a.bucket, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", objectName, err)
	}
	return nil
}
