package storage

import (
	"context"
	"time"
	"unsafe"

	"github.com/coocood/freecache"
	"go.uber.org/zap"
)

// URLCache keeps presigned download URLs so repeated status polls do not
// sign a new URL each time
type URLCache interface {
	Get(path string) (string, bool)
	Set(path, url string)
}

type freeURLCache struct {
	cache *freecache.Cache
	ttl   int
}

// NewURLCache returns a freecache-backed cache of sizeMB megabytes whose
// entries live for ttl. A non-positive size disables caching.
func NewURLCache(sizeMB int, ttl time.Duration, logger *zap.Logger) URLCache {
	if sizeMB <= 0 || ttl < time.Second {
		if logger != nil {
			logger.Info("Download URL cache disabled")
		}
		return noopURLCache{}
	}
	if logger != nil {
		logger.Info("Download URL cache initialized", zap.Int("size_mb", sizeMB), zap.Duration("ttl", ttl))
	}
	return &freeURLCache{
		cache: freecache.NewCache(sizeMB * 1024 * 1024),
		ttl:   int(ttl.Seconds()),
	}
}

// unsafeBytes views s as bytes; freecache copies keys internally
func unsafeBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func (c *freeURLCache) Get(path string) (string, bool) {
	val, err := c.cache.Get(unsafeBytes(path))
	if err != nil {
		return "", false
	}
	return string(val), true
}

func (c *freeURLCache) Set(path, url string) {
	_ = c.cache.Set(unsafeBytes(path), []byte(url), c.ttl)
}

type noopURLCache struct{}

func (noopURLCache) Get(string) (string, bool) { return "", false }
func (noopURLCache) Set(string, string)        {}

// CachedURLs wraps a Storage so DownloadURL consults the cache first
type CachedURLs struct {
	Storage
	cache URLCache
}

// WithURLCache wraps s
func WithURLCache(s Storage, cache URLCache) *CachedURLs {
	return &CachedURLs{Storage: s, cache: cache}
}

func (c *CachedURLs) DownloadURL(ctx context.Context, path string) (string, error) {
	if url, ok := c.cache.Get(path); ok {
		return url, nil
	}
	url, err := c.Storage.DownloadURL(ctx, path)
	if err != nil {
		return "", err
	}
	c.cache.Set(path, url)
	return url, nil
}
