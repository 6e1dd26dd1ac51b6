// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the in-process single-tenant backend. Configs are
// held as live Go values — no serialization, so function-valued body
// predicates and response transforms keep working. Entries expire by
// deadline, enforced lazily on Get and swept by a janitor goroutine.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[memoryKey]memoryEntry
	done    chan struct{}
	once    sync.Once
}

type memoryKey struct {
	sessionID string
	upstream  string
}

type memoryEntry struct {
	cfg      *UpstreamConfig
	deadline time.Time
}

// janitorInterval is how often expired entries are swept. Lazy expiry
// on Get keeps correctness; the sweep only bounds memory growth.
const janitorInterval = time.Minute

// NewMemoryStore creates an empty in-process store and starts its
// janitor. Call Close to stop the janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[memoryKey]memoryEntry),
		done:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, sessionID, upstream string) (*UpstreamConfig, error) {
	key := memoryKey{sessionID: sessionID, upstream: upstream}

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(entry.deadline) {
		s.mu.Lock()
		// Re-check under the write lock: a concurrent Put may have
		// refreshed the entry.
		if current, ok := s.entries[key]; ok && time.Now().After(current.deadline) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return entry.cfg, nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, sessionID, upstream string, cfg *UpstreamConfig, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("store: ttl must be positive, got %s", ttl)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[memoryKey{sessionID: sessionID, upstream: upstream}] = memoryEntry{
		cfg:      cfg,
		deadline: time.Now().Add(ttl),
	}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, sessionID, upstream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, memoryKey{sessionID: sessionID, upstream: upstream})
	return nil
}

// DeleteSession implements Store.
func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if key.sessionID == sessionID {
			delete(s.entries, key)
		}
	}
	return nil
}

// Upstreams returns the names of a session's live upstreams.
func (s *MemoryStore) Upstreams(sessionID string) []string {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for key, entry := range s.entries {
		if key.sessionID == sessionID && now.Before(entry.deadline) {
			names = append(names, key.upstream)
		}
	}
	return names
}

// Close stops the janitor. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, entry := range s.entries {
				if now.After(entry.deadline) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

var _ Store = (*MemoryStore)(nil)
