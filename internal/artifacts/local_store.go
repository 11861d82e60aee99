package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps exports as flat files in one directory.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates the directory if needed.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

// Path returns the file path backing name.
func (s *LocalStore) Path(name string) (string, error) {
	clean := filepath.Base(strings.TrimSpace(name))
	if clean == "." || clean == string(filepath.Separator) || clean == "" {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return filepath.Join(s.basePath, clean), nil
}

// Put writes to a temp file and renames it into place.
func (s *LocalStore) Put(ctx context.Context, name string, data io.Reader, opts PutOptions) (string, error) {
	filePath, err := s.Path(name)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(s.basePath, ".export-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()

	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("rename artifact: %w", err)
	}

	return "file://" + filePath, nil
}

// Get opens the stored file.
func (s *LocalStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	filePath, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

// Exists reports whether name is stored.
func (s *LocalStore) Exists(ctx context.Context, name string) (bool, error) {
	filePath, err := s.Path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes name. Deleting a missing object is not an error.
func (s *LocalStore) Delete(ctx context.Context, name string) error {
	filePath, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Close releases resources.
func (s *LocalStore) Close() error {
	return nil
}
