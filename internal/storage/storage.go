package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Storage abstracts blob storage for chunk and processed-audio files.
type Storage interface {
	// Upload writes data under objectPath and returns the storage path
	Upload(ctx context.Context, objectPath string, data []byte) (string, error)

	// Download reads the bytes stored at storagePath
	Download(ctx context.Context, storagePath string) ([]byte, error)

	// PublicURL returns the externally reachable URL for a storage path
	PublicURL(storagePath string) string
}

// Local stores files on the local filesystem under a base directory. The
// API server serves the directory at /files, which is what PublicURL maps to.
type Local struct {
	baseDir string
	baseURL string
}

// NewLocal creates local storage rooted at baseDir with public URLs under
// baseURL/files/.
func NewLocal(baseDir, baseURL string) (*Local, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Local{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// BaseDir returns the root directory files are stored under.
func (l *Local) BaseDir() string {
	return l.baseDir
}

func (l *Local) Upload(ctx context.Context, objectPath string, data []byte) (string, error) {
	clean, err := l.resolve(objectPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
		return "", fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.WriteFile(clean, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	return objectPath, nil
}

func (l *Local) Download(ctx context.Context, storagePath string) ([]byte, error) {
	clean, err := l.resolve(storagePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", storagePath, err)
	}
	return data, nil
}

func (l *Local) PublicURL(storagePath string) string {
	return l.baseURL + "/files/" + strings.TrimLeft(filepath.ToSlash(storagePath), "/")
}

// resolve maps a storage path onto the base directory, rejecting traversal.
func (l *Local) resolve(objectPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(objectPath))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid storage path %q", objectPath)
	}
	return filepath.Join(l.baseDir, clean), nil
}
