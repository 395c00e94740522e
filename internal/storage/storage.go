package storage

import (
	"context"
	"io"
)

// ObjectMeta is stored alongside an object
type ObjectMeta struct {
	ContentType string
	Metadata    map[string]string
}

// Object describes a stored object
type Object struct {
	Path string
	Size int64
	ETag string
}

// Storage is a binary object store
type Storage interface {
	// Put writes body under path. size may be -1 when unknown.
	Put(ctx context.Context, path string, body io.Reader, size int64, meta ObjectMeta) (*Object, error)

	// DownloadURL returns a URL the object can be fetched from
	DownloadURL(ctx context.Context, path string) (string, error)

	// Health checks storage connectivity
	Health(ctx context.Context) error
}
