package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("object not found")
)

// Store moves whole objects between the object store and local files.
// Implementations: s3 (deployed) and disk (local runs).
type Store interface {
	// Size returns the object's length in bytes, or ErrNotFound.
	Size(ctx context.Context, key string) (int64, error)

	// Download writes the object at key to the local file dst and returns
	// the number of bytes written.
	Download(ctx context.Context, key, dst string) (int64, error)

	// Upload stores the local file src at key, overwriting any existing
	// object.
	Upload(ctx context.Context, src, key, contentType string) error
}
