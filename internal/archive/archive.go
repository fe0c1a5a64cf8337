// Package archive uploads finished recordings to long-term storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"

	"github.com/breeze-rmm/recorder/internal/archive/providers"
	"github.com/breeze-rmm/recorder/internal/logging"
)

var log = logging.L("archive")

// Supported archive URL schemes.
const (
	SchemeFile  = "file"
	SchemeS3    = "s3"
	SchemeAzure = "azblob"
	SchemeGCS   = "gs"
	SchemeB2    = "b2"
)

// ErrInvalidTarget is returned for archive URLs that cannot be used.
var ErrInvalidTarget = errors.New("invalid archive target")

// Target is a parsed archive URL: scheme://bucket/prefix, or file:///dir.
type Target struct {
	Scheme string
	// Bucket is the bucket or container; empty for file targets.
	Bucket string
	// Prefix is the key prefix, or the directory for file targets.
	Prefix string
}

// ParseTarget parses an archive URL.
func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	t := Target{Scheme: strings.ToLower(u.Scheme)}
	switch t.Scheme {
	case SchemeFile:
		dir := u.Path
		if u.Host != "" && u.Host != "localhost" {
			dir = "/" + u.Host + u.Path
		}
		if dir == "" || dir == "/" {
			return Target{}, fmt.Errorf("%w: file target needs a directory", ErrInvalidTarget)
		}
		t.Prefix = filepath.Clean(dir)
	case SchemeS3, SchemeAzure, SchemeGCS, SchemeB2:
		if u.Host == "" {
			return Target{}, fmt.Errorf("%w: %s target needs a bucket", ErrInvalidTarget, t.Scheme)
		}
		t.Bucket = u.Host
		t.Prefix = strings.Trim(u.Path, "/")
	default:
		return Target{}, fmt.Errorf("%w: unsupported scheme %q (use file, s3, azblob, gs or b2)", ErrInvalidTarget, u.Scheme)
	}
	return t, nil
}

// Key returns the object key for a file name under the target prefix.
func (t Target) Key(name string) string {
	if t.Scheme == SchemeFile || t.Prefix == "" {
		return name
	}
	return path.Join(t.Prefix, name)
}

func (t Target) String() string {
	if t.Scheme == SchemeFile {
		return "file://" + filepath.ToSlash(t.Prefix)
	}
	return fmt.Sprintf("%s://%s/%s", t.Scheme, t.Bucket, t.Prefix)
}

// Credentials carries backend settings from the config file.
type Credentials struct {
	S3Region              string
	S3AccessKeyID         string
	S3SecretAccessKey     string
	S3Endpoint            string
	AzureConnectionString string
	GCSCredentialsFile    string
	B2AccountID           string
	B2ApplicationKey      string
}

// newProvider builds the backend for a target. Tests replace it.
var newProvider = func(ctx context.Context, t Target, c Credentials) (providers.Provider, error) {
	switch t.Scheme {
	case SchemeFile:
		return providers.NewLocalProvider(t.Prefix), nil
	case SchemeS3:
		return providers.NewS3Provider(ctx, providers.S3Options{
			Bucket:          t.Bucket,
			Region:          c.S3Region,
			AccessKeyID:     c.S3AccessKeyID,
			SecretAccessKey: c.S3SecretAccessKey,
			Endpoint:        c.S3Endpoint,
		})
	case SchemeAzure:
		return providers.NewAzureProvider(t.Bucket, c.AzureConnectionString)
	case SchemeGCS:
		return providers.NewGCSProvider(ctx, t.Bucket, c.GCSCredentialsFile)
	case SchemeB2:
		return providers.NewB2Provider(ctx, t.Bucket, c.B2AccountID, c.B2ApplicationKey)
	}
	return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, t.Scheme)
}

// Options configures an Archiver.
type Options struct {
	URL         string
	Credentials Credentials
	// Retries is the total number of upload attempts.
	Retries int
	// RetryDelay is the base delay between attempts; it backs off
	// exponentially.
	RetryDelay  time.Duration
	DeleteLocal bool
}

// Archiver uploads recordings to one target.
type Archiver struct {
	target      Target
	provider    providers.Provider
	retries     uint
	delay       time.Duration
	deleteLocal bool
}

// Result describes one archived recording.
type Result struct {
	Destination string `json:"destination" yaml:"destination"`
	Bytes       int64  `json:"bytes" yaml:"bytes"`
	Attempts    uint   `json:"attempts" yaml:"attempts"`
	LocalKept   bool   `json:"localKept" yaml:"localKept"`
}

func New(ctx context.Context, opts Options) (*Archiver, error) {
	t, err := ParseTarget(opts.URL)
	if err != nil {
		return nil, err
	}
	p, err := newProvider(ctx, t, opts.Credentials)
	if err != nil {
		return nil, err
	}
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	return &Archiver{
		target:      t,
		provider:    p,
		retries:     uint(opts.Retries),
		delay:       opts.RetryDelay,
		deleteLocal: opts.DeleteLocal,
	}, nil
}

// Archive uploads localPath under the target prefix, retrying transient
// failures. The local file is removed afterwards when DeleteLocal is set.
func (a *Archiver) Archive(ctx context.Context, localPath string) (*Result, error) {
	fi, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", localPath, err)
	}
	key := a.target.Key(filepath.Base(localPath))
	logger := log.With("provider", a.provider.Name(), "key", key)

	var attempts uint
	dest, err := retry.DoWithData(func() (string, error) {
		attempts++
		d, err := a.provider.Upload(ctx, localPath, key)
		if err != nil && errors.Is(err, fs.ErrNotExist) {
			return "", retry.Unrecoverable(err)
		}
		return d, err
	},
		retry.Attempts(a.retries),
		retry.Delay(a.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("archive upload failed, retrying", "attempt", n+1, logging.KeyError, err.Error())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("archive to %s: %w", a.target, err)
	}

	res := &Result{Destination: dest, Bytes: fi.Size(), Attempts: attempts, LocalKept: true}
	logger.Info("recording archived", "destination", dest, "size", humanize.Bytes(uint64(fi.Size())), "attempts", attempts)

	if a.deleteLocal && !samePath(dest, localPath) {
		if err := os.Remove(localPath); err != nil {
			logger.Warn("failed to remove local recording", logging.KeyError, err.Error())
		} else {
			res.LocalKept = false
		}
	}
	return res, nil
}

func samePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}
