package providers

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Backblaze/blazer/b2"
)

// B2Provider uploads recordings to a Backblaze B2 bucket.
type B2Provider struct {
	bucket *b2.Bucket
}

func NewB2Provider(ctx context.Context, bucketName, accountID, applicationKey string) (*B2Provider, error) {
	if bucketName == "" || accountID == "" || applicationKey == "" {
		return nil, fmt.Errorf("%w: b2 bucket, account id and application key are required", ErrMissingCredentials)
	}
	client, err := b2.NewClient(ctx, accountID, applicationKey)
	if err != nil {
		return nil, fmt.Errorf("create b2 client: %w", err)
	}
	bucket, err := client.Bucket(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("open b2 bucket %s: %w", bucketName, err)
	}
	return &B2Provider{bucket: bucket}, nil
}

func (p *B2Provider) Name() string { return "b2" }

func (p *B2Provider) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	key = strings.TrimPrefix(key, "/")
	obj := p.bucket.Object(key)
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("b2 upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("b2 upload %s: %w", key, err)
	}
	return obj.URL(), nil
}
