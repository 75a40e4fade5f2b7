package vizstate

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps profiles in memory. Nothing survives the process.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]string
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]string)}
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[key]
	return rec, ok, nil
}

func (b *MemoryBackend) Put(_ context.Context, key, record string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[key] = record
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
	return nil
}

func (b *MemoryBackend) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.records))
	for k := range b.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
