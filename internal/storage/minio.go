package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds the object store connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	PublicURL string
}

// MinIOUploader stores receipt documents in a single bucket.
type MinIOUploader struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewMinIOUploader creates a new MinIO uploader.
func NewMinIOUploader(cfg Config) (*MinIOUploader, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("MinIO is not configured")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = scheme + "://" + cfg.Endpoint
	}

	return &MinIOUploader{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// EnsureBucketExists creates the bucket if it doesn't exist.
func (u *MinIOUploader) EnsureBucketExists(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", u.bucket, err)
		}
	}
	return nil
}

// Upload writes data under path and returns its public URL. Uploading the
// same path again overwrites the object.
func (u *MinIOUploader) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	path = strings.TrimLeft(path, "/")
	_, err := u.client.PutObject(ctx, u.bucket, path, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", path, err)
	}
	return u.ObjectURL(path), nil
}

// ObjectURL is the public location of an uploaded object.
func (u *MinIOUploader) ObjectURL(path string) string {
	return fmt.Sprintf("%s/%s/%s", u.publicURL, u.bucket, strings.TrimLeft(path, "/"))
}
