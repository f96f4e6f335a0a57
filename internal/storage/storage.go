// Package storage defines the blob store abstraction used to persist the
// bookings snapshot. Implementations live in the local, memory and gcs
// subpackages.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by GetObject when no object exists at path.
var ErrNotFound = errors.New("object not found")

// BlobStore reads and writes whole objects by path.
type BlobStore interface {
	// PutObject stores data at path and returns a URI for the object.
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	// GetObject returns the content at path, or ErrNotFound.
	GetObject(ctx context.Context, path string) ([]byte, error)
}
