package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"
)

// StoredObject is an object held by MemoryStorage
type StoredObject struct {
	Data []byte
	Meta ObjectMeta
}

// MemoryStorage keeps objects in memory. It backs local runs and tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]StoredObject
	baseURL string
}

// NewMemoryStorage creates an empty store whose download URLs are rooted
// at baseURL
func NewMemoryStorage(baseURL string) *MemoryStorage {
	if baseURL == "" {
		baseURL = "memory://recordings"
	}
	return &MemoryStorage{objects: make(map[string]StoredObject), baseURL: baseURL}
}

func (m *MemoryStorage) Put(ctx context.Context, path string, body io.Reader, size int64, meta ObjectMeta) (*Object, error) {
	if path == "" {
		return nil, &Error{Code: CodeInvalid, Op: "put", Err: errors.New("empty object path")}
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, body)
	if err != nil {
		return nil, wrap("put", path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, wrap("put", path, err)
	}
	if size >= 0 && n != size {
		return nil, &Error{Code: CodeInvalid, Op: "put", Path: path, Err: fmt.Errorf("read %d bytes, expected %d", n, size)}
	}

	data := buf.Bytes()
	sum := md5.Sum(data)

	m.mu.Lock()
	m.objects[path] = StoredObject{Data: data, Meta: meta}
	m.mu.Unlock()

	return &Object{Path: path, Size: n, ETag: hex.EncodeToString(sum[:])}, nil
}

func (m *MemoryStorage) DownloadURL(_ context.Context, path string) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[path]
	m.mu.RUnlock()
	if !ok {
		return "", &Error{Code: CodeNotFound, Op: "presign", Path: path, Err: errors.New("no such object")}
	}
	return m.baseURL + "/" + (&url.URL{Path: path}).EscapedPath(), nil
}

func (m *MemoryStorage) Health(context.Context) error {
	return nil
}

// Get returns a stored object
func (m *MemoryStorage) Get(path string) (StoredObject, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	return obj, ok
}

// Paths lists stored object paths in order
func (m *MemoryStorage) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.objects))
	for p := range m.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
