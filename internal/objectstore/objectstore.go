// Package objectstore stores bundles, source images and published artifacts
// in S3-compatible storage.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("objectstore: object not found")

// Store is the object storage surface used by the orchestrator.
type Store interface {
	// Put uploads r under key. size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
	// URL is the public URL of key.
	URL(key string) string
	Ping(ctx context.Context) error
}

// Source exposes a stored object as an upload image.
type Source struct {
	Store    Store
	Key      string
	FileName string
}

func (s *Source) Name() string { return s.FileName }

func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	return s.Store.Get(ctx, s.Key)
}
