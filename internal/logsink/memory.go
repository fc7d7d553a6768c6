package logsink

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/scarson/mediajobs/internal/store"
)

// Memory is an in-process Sink for tests.
type Memory struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

// NewMemory returns an empty Memory sink reporting the given bucket name.
func NewMemory(bucket string) *Memory {
	return &Memory{bucket: bucket, objects: make(map[string][]byte)}
}

// Bucket implements Sink.
func (m *Memory) Bucket() string { return m.bucket }

// PutObject implements Sink.
func (m *Memory) PutObject(_ context.Context, key string, body io.Reader, _ int64, _ string) (store.ObjectPointer, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return store.ObjectPointer{}, err
	}
	m.mu.Lock()
	m.objects[key] = b
	m.mu.Unlock()
	return store.ObjectPointer{Bucket: m.bucket, Key: key}, nil
}

// DeleteObjects implements Sink.
func (m *Memory) DeleteObjects(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.objects, k)
	}
	return nil
}

// DeletePrefix implements Sink.
func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
			n++
		}
	}
	return n, nil
}

// Get returns the stored body of key.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}

// Keys returns every stored key in sorted order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
