// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package secstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and ephemeral runs. It
// provides the same absence semantics as FileStore but no durability
// and no cross-process sharing (ConfigureSharing is a no-op).
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[string]map[string][]byte

	// FailNext, when set, makes the next mutating operation return
	// its value and clears it. Tests use this to exercise the
	// store-failure paths without a broken filesystem.
	FailNext error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{groups: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) takeFailure(op, key, group string) error {
	if s.FailNext == nil {
		return nil
	}
	err := s.FailNext
	s.FailNext = nil
	return &StoreError{Op: op, Key: key, Group: group, Err: err}
}

// Save stores a copy of blob under key.
func (s *MemoryStore) Save(ctx context.Context, key, group string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure("save", key, group); err != nil {
		return err
	}

	entries, ok := s.groups[group]
	if !ok {
		entries = make(map[string][]byte)
		s.groups[group] = entries
	}
	entries[key] = append([]byte(nil), blob...)
	return nil
}

// Retrieve returns a copy of the stored blob, or (nil, false, nil).
func (s *MemoryStore) Retrieve(ctx context.Context, key, group string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.groups[group][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), blob...), true, nil
}

// Delete removes the entry for key; absent keys delete cleanly.
func (s *MemoryStore) Delete(ctx context.Context, key, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure("delete", key, group); err != nil {
		return err
	}
	delete(s.groups[group], key)
	return nil
}

// List returns the keys in group, in unspecified order.
func (s *MemoryStore) List(ctx context.Context, group string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.groups[group] {
		keys = append(keys, key)
	}
	return keys, nil
}

// ConfigureSharing is a no-op: an in-process store has no second
// process to share with.
func (s *MemoryStore) ConfigureSharing(group string) error { return nil }
