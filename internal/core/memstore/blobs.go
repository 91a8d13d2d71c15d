package memstore

import (
	"context"
	"sync"

	"github.com/markdave123-py/Extracta/internal/core"
)

var _ core.BlobStore = (*BlobStore)(nil)

// BlobStore keeps document bytes in memory.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string][]byte)}
}

func (b *BlobStore) Put(_ context.Context, id string, data []byte, _ string) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	b.mu.Lock()
	b.objects[id] = cp
	b.mu.Unlock()
	return nil
}

func (b *BlobStore) Get(_ context.Context, id string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.objects[id]
	if !ok {
		return nil, core.Ef(core.KindNotFound, "memstore.BlobGet", "object %s not found", id)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}
