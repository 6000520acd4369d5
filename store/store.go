// Package store holds small pieces of state that must survive process restarts,
// such as whether this profile ever held a valid session.
package store

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Store is a durable key-value store. Values are JSON-serialized.
type Store interface {
	// Get decodes the value stored under key into v. It reports false when
	// the key is absent.
	Get(key string, v any) (bool, error)
	// Set serializes v and stores it under key.
	Set(key string, v any) error
	// Delete removes keys. Missing keys are ignored.
	Delete(keys ...string) error
}

// MemoryStore keeps values in memory only. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]json.RawMessage)}
}

func (m *MemoryStore) Get(key string, v any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.values[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

func (m *MemoryStore) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	m.mu.Lock()
	m.values[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.values, k)
	}
	m.mu.Unlock()
	return nil
}
