package providers

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSProvider uploads recordings to a Cloud Storage bucket.
type GCSProvider struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// NewGCSProvider opens a client from a service account key file, or from
// application default credentials when the path is empty.
func NewGCSProvider(ctx context.Context, bucketName, credentialsFile string) (*GCSProvider, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("%w: gcs bucket is required", ErrMissingCredentials)
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSProvider{
		client: client,
		bucket: client.Bucket(bucketName),
		name:   bucketName,
	}, nil
}

func (p *GCSProvider) Name() string { return "gcs" }

func (p *GCSProvider) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	key = strings.TrimPrefix(key, "/")
	writer := p.bucket.Object(key).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := io.Copy(writer, f); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("failed to copy content to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize GCS object upload: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", p.name, key), nil
}

func (p *GCSProvider) Close() error {
	return p.client.Close()
}
