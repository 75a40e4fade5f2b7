package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileProfileBackend keeps profile records in a single JSON object on disk,
// key -> record text. Records are stored verbatim, so a hand-edited or
// damaged record is reported as corrupt on load rather than here.
type FileProfileBackend struct {
	records  map[string]string
	filePath string
	mu       sync.RWMutex
}

// NewFileProfileBackend opens (or prepares to create) the profile file
func NewFileProfileBackend(filePath string) (*FileProfileBackend, error) {
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create profile directory: %w", err)
		}
	}

	b := &FileProfileBackend{
		records:  make(map[string]string),
		filePath: filePath,
	}

	if err := b.load(); err != nil {
		// If file doesn't exist, that's okay - we'll create it on first save
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load profiles: %w", err)
		}
	}

	return b, nil
}

func (b *FileProfileBackend) load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.filePath)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, &b.records); err != nil {
		return fmt.Errorf("failed to parse profiles: %w", err)
	}
	if b.records == nil {
		b.records = make(map[string]string)
	}
	return nil
}

// saveUnlocked writes a temp file and renames it over the profile file.
// Caller must hold the lock.
func (b *FileProfileBackend) saveUnlocked() error {
	data, err := json.MarshalIndent(b.records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profiles: %w", err)
	}

	tmp := b.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write profiles file: %w", err)
	}
	if err := os.Rename(tmp, b.filePath); err != nil {
		return fmt.Errorf("failed to replace profiles file: %w", err)
	}
	return nil
}

// Get returns the record stored under key
func (b *FileProfileBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	record, ok := b.records[key]
	return record, ok, nil
}

// Put adds a record or replaces the existing one with the same key
func (b *FileProfileBackend) Put(_ context.Context, key, record string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, existed := b.records[key]
	b.records[key] = record
	if err := b.saveUnlocked(); err != nil {
		if existed {
			b.records[key] = prev
		} else {
			delete(b.records, key)
		}
		return err
	}
	return nil
}

// Delete removes a record
func (b *FileProfileBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, existed := b.records[key]
	if !existed {
		return nil
	}
	delete(b.records, key)
	if err := b.saveUnlocked(); err != nil {
		b.records[key] = prev
		return err
	}
	return nil
}

// Keys returns every stored key, sorted
func (b *FileProfileBackend) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.records))
	for k := range b.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
