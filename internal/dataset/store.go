// Package dataset stores the single uploaded dataset and builds the
// schema/sample preview used for profiling.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FileName is the fixed name of the uploaded dataset.
const FileName = "dataset.csv"

// ErrNoDataset is returned when nothing has been uploaded yet.
var ErrNoDataset = errors.New("no dataset uploaded")

// ErrTooLarge is returned when an upload exceeds the configured limit.
var ErrTooLarge = errors.New("dataset exceeds upload limit")

// Store keeps one dataset at a fixed path. Each upload replaces the previous
// one.
type Store struct {
	dir      string
	maxBytes int64
}

// NewStore creates a store rooted at dir. maxBytes <= 0 means no limit.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

// Dir returns the upload directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns where the dataset lives on disk, whether or not it exists.
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Save replaces the dataset with the contents of r and returns its path.
// The previous dataset stays in place if writing fails.
func (s *Store) Save(ctx context.Context, r io.Reader) (string, error) {
	f, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()
	cleanup := func() {
		f.Close()
		os.Remove(tmpPath) //nolint:errcheck
	}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.Copy(f, readerWithContext(ctx, src))
	if err != nil {
		cleanup()
		return "", fmt.Errorf("write dataset: %w", err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		cleanup()
		return "", fmt.Errorf("%w (%d bytes)", ErrTooLarge, s.maxBytes)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("close dataset: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("rename dataset: %w", err)
	}
	return s.Path(), nil
}

// Open opens the dataset for reading.
func (s *Store) Open() (*os.File, error) {
	f, err := os.Open(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoDataset
	}
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	return f, nil
}

// Exists reports whether a dataset has been uploaded.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	if ctx == nil {
		return r
	}
	return ctxReader{ctx: ctx, r: r}
}
