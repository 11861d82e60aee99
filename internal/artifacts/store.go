package artifacts

import (
	"context"
	"errors"
	"io"
)

// ExportFileName is the fixed name of the cleaned dataset produced by
// generated code and served by the download endpoint.
const ExportFileName = "cleaned_data.csv"

// ErrNotFound is returned by Store.Get when nothing is stored under a name.
var ErrNotFound = errors.New("artifact not found")

// PutOptions carries optional metadata for stored objects.
type PutOptions struct {
	MimeType string
	Metadata map[string]string
}

// Store persists exported files.
type Store interface {
	// Put writes data under name, replacing any previous object, and
	// returns a reference to where it was stored.
	Put(ctx context.Context, name string, data io.Reader, opts PutOptions) (string, error)

	// Get opens the object stored under name or returns ErrNotFound.
	Get(ctx context.Context, name string) (io.ReadCloser, error)

	Exists(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) error
	Close() error
}
