package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	types    map[string]string
	baseURL  string
	failPuts map[string]error
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		objects:  make(map[string][]byte),
		types:    make(map[string]string),
		baseURL:  strings.TrimRight(baseURL, "/"),
		failPuts: make(map[string]error),
	}
}

// FailPut makes every Put to a key with the given suffix return err.
func (m *MemoryStore) FailPut(suffix string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPuts[suffix] = err
}

func (m *MemoryStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	m.mu.RLock()
	for suffix, err := range m.failPuts {
		if strings.HasSuffix(key, suffix) {
			m.mu.RUnlock()
			_, _ = io.Copy(io.Discard, r)
			return fmt.Errorf("put object %s: %w", key, err)
		}
	}
	m.mu.RUnlock()

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.types, key)
	return nil
}

func (m *MemoryStore) URL(key string) string {
	return m.baseURL + "/" + strings.TrimLeft(key, "/")
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Object returns a copy of the stored bytes and content type.
func (m *MemoryStore) Object(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return append([]byte(nil), data...), m.types[key], ok
}

// Keys lists stored keys in order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
