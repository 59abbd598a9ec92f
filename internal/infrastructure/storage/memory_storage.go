package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
)

var _ fiscal.BlobStore = (*MemoryObjectStorage)(nil)

// MemoryObjectStorage keeps objects in process memory. It backs the
// development profile and tests.
type MemoryObjectStorage struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

// NewMemoryObjectStorage creates an empty store.
func NewMemoryObjectStorage() *MemoryObjectStorage {
	return &MemoryObjectStorage{objects: make(map[string]memoryObject)}
}

func (m *MemoryObjectStorage) Put(_ context.Context, path string, data []byte, contentType string) error {
	if path == "" {
		return ErrEmptyPath
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	m.objects[path] = memoryObject{data: cp, contentType: contentType}
	m.mu.Unlock()
	return nil
}

func (m *MemoryObjectStorage) Get(_ context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	m.mu.RLock()
	obj, ok := m.objects[path]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: object %s", shared.ErrNotFound, path)
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, nil
}

func (m *MemoryObjectStorage) Delete(_ context.Context, path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	m.mu.Lock()
	delete(m.objects, path)
	m.mu.Unlock()
	return nil
}

// ContentType returns the content type stored with path.
func (m *MemoryObjectStorage) ContentType(path string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[path].contentType
}

// List returns the stored paths under prefix, sorted.
func (m *MemoryObjectStorage) List(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var paths []string
	for p := range m.objects {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}
