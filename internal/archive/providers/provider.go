// Package providers implements the storage backends finished recordings are
// archived to.
package providers

import (
	"context"
	"errors"
)

// Provider stores a local file under a key and returns where it landed.
type Provider interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
	Name() string
}

// ErrMissingCredentials is returned by constructors when a backend's
// required settings are absent.
var ErrMissingCredentials = errors.New("archive credentials are missing")

const contentType = "video/mp4"
