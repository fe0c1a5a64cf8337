package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// containedPath ensures that the resolved path stays within basePath.
// Returns the safe absolute path or an error if path traversal is detected.
func containedPath(basePath, untrustedPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	joined := filepath.Join(absBase, filepath.FromSlash(untrustedPath))
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q resolves outside base %q", untrustedPath, absBase)
	}
	return absJoined, nil
}

// LocalProvider archives recordings to a local or mounted directory.
type LocalProvider struct {
	BasePath string
}

func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{
		BasePath: filepath.Clean(basePath),
	}
}

func (p *LocalProvider) Name() string { return "local" }

// Upload copies the recording into the archive directory. The copy is
// written beside its destination and renamed so readers never see a
// partial file.
func (p *LocalProvider) Upload(ctx context.Context, localPath, key string) (string, error) {
	if p.BasePath == "" || p.BasePath == "." {
		return "", errors.New("local archive base path is required")
	}
	if localPath == "" {
		return "", errors.New("local source path is required")
	}
	if key == "" {
		return "", errors.New("archive key is required")
	}

	destPath, err := containedPath(p.BasePath, key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := copyFile(localPath, destPath); err != nil {
		return "", err
	}
	return destPath, nil
}

func copyFile(srcPath, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), "."+filepath.Base(destPath)+".*")
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	tmpPath := tmp.Name()

	_, err = io.Copy(tmp, srcFile)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chtimes(tmpPath, info.ModTime(), info.ModTime())
	}
	if err == nil {
		err = os.Rename(tmpPath, destPath)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return nil
}
