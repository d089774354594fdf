package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryObjectClient is an in-process ObjectClient for tests and dry runs
type MemoryObjectClient struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	// FailPuts makes Put return this error when set
	FailPuts error
}

type memoryObject struct {
	data        []byte
	contentType string
}

// NewMemoryObjectClient creates an empty in-memory object store
func NewMemoryObjectClient() *MemoryObjectClient {
	return &MemoryObjectClient{objects: make(map[string]memoryObject)}
}

func (m *MemoryObjectClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), obj.data...), true, nil
}

func (m *MemoryObjectClient) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts != nil {
		return m.FailPuts
	}
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (m *MemoryObjectClient) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

// ContentType returns the content type an object was stored with
func (m *MemoryObjectClient) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[key].contentType
}

// Keys lists stored keys in sorted order
func (m *MemoryObjectClient) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
