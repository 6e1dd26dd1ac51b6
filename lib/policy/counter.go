// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"fmt"
	"sync"
)

// CounterKey identifies one rule's approval counter. Counters are
// scoped to a session and upstream so concurrent sessions never share
// budget, and keyed by rule index so two rules with identical shapes
// count independently.
type CounterKey struct {
	SessionID string
	Upstream  string
	RuleIndex int
}

// String renders the key in the form used by shared counter backends.
func (k CounterKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.SessionID, k.Upstream, k.RuleIndex)
}

// CounterStore tracks per-rule approval counts. Approve must be an
// indivisible compare-and-increment: under any interleaving of
// concurrent calls, at most limit approvals succeed. Counters are
// monotonic and reset only when the backing store's session entry
// expires or the process restarts.
type CounterStore interface {
	// Approve increments the counter for key if its current value is
	// below limit, returning the resulting count and whether the
	// increment happened. When the limit is already reached the
	// count returned is the current (unchanged) value.
	Approve(ctx context.Context, key CounterKey, limit int) (count int, ok bool, err error)
}

// MemoryCounters is a process-local CounterStore. The mutex makes
// check-and-increment indivisible across concurrent evaluations.
type MemoryCounters struct {
	mu     sync.Mutex
	counts map[CounterKey]int
}

// NewMemoryCounters creates an empty in-memory counter store.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{counts: make(map[CounterKey]int)}
}

// Approve implements CounterStore.
func (c *MemoryCounters) Approve(ctx context.Context, key CounterKey, limit int) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := c.counts[key]
	if count >= limit {
		return count, false, nil
	}
	count++
	c.counts[key] = count
	return count, true, nil
}

// Count returns the current value of a counter. Used by tests and
// diagnostics; the evaluator only ever calls Approve.
func (c *MemoryCounters) Count(key CounterKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

// DeleteSession drops all counters belonging to a session. Called by
// the gateway when a session is deregistered.
func (c *MemoryCounters) DeleteSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.counts {
		if key.SessionID == sessionID {
			delete(c.counts, key)
		}
	}
}

var _ CounterStore = (*MemoryCounters)(nil)
