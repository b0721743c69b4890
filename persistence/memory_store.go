package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	partitions map[string]map[string]*Entry
	mu         sync.RWMutex
	closed     bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partitions: make(map[string]map[string]*Entry),
	}
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Put persists value under (partition, key).
func (s *MemoryStore) Put(ctx context.Context, partition, key string, value []byte, metadata map[string]string) error {
	if partition == "" || key == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	part, ok := s.partitions[partition]
	if !ok {
		part = make(map[string]*Entry)
		s.partitions[partition] = part
	}

	part[key] = &Entry{
		Partition: partition,
		Key:       key,
		Value:     append([]byte(nil), value...),
		Metadata:  cloneMetadata(metadata),
		UpdatedAt: time.Now(),
	}
	return nil
}

// Get retrieves the entry at (partition, key).
func (s *MemoryStore) Get(ctx context.Context, partition, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	entry, ok := s.partitions[partition][key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(entry), nil
}

// Delete removes the entry at (partition, key).
func (s *MemoryStore) Delete(ctx context.Context, partition, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	delete(s.partitions[partition], key)
	return nil
}

// List returns entries in the partition matching the key prefix.
func (s *MemoryStore) List(ctx context.Context, partition, prefix string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	keys := make([]string, 0, len(s.partitions[partition]))
	for key := range s.partitions[partition] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	entries := make([]*Entry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, cloneEntry(s.partitions[partition][key]))
	}
	return entries, nil
}

func cloneEntry(e *Entry) *Entry {
	out := *e
	out.Value = append([]byte(nil), e.Value...)
	out.Metadata = cloneMetadata(e.Metadata)
	return &out
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
