package providers

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureProvider uploads recordings as block blobs.
type AzureProvider struct {
	container string
	client    *azblob.Client
}

func NewAzureProvider(container, connectionString string) (*AzureProvider, error) {
	if container == "" || connectionString == "" {
		return nil, fmt.Errorf("%w: azure container and connection string are required", ErrMissingCredentials)
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	return &AzureProvider{container: container, client: client}, nil
}

func (p *AzureProvider) Name() string { return "azblob" }

func (p *AzureProvider) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	key = strings.TrimPrefix(key, "/")
	if _, err := p.client.UploadFile(ctx, p.container, key, f, nil); err != nil {
		return "", fmt.Errorf("azure upload %s/%s: %w", p.container, key, err)
	}
	return strings.TrimSuffix(p.client.URL(), "/") + "/" + p.container + "/" + key, nil
}
