package artifact

import (
	"context"
	"sync"

	"github.com/weftwork/weft/pkg/schema"
)

// MemoryStore keeps payloads in process memory. It backs single-node
// deployments and tests where no object service is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bucket: "memory", objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, tenantID, key string, data []byte) (string, error) {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.objects[objectKey(tenantID, key)] = cp
	s.mu.Unlock()
	return Ref(s.bucket, tenantID, key), nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID, key string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.objects[objectKey(tenantID, key)]
	s.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "artifact %s not found", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, tenantID, key string) error {
	s.mu.Lock()
	delete(s.objects, objectKey(tenantID, key))
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
