package callstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemStore is an in-memory [Store]. It is the default when no database is
// configured.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record)}
}

// Begin implements [Store].
func (m *MemStore) Begin(_ context.Context, rec Record) error {
	if rec.ConnID == "" {
		return fmt.Errorf("callstore: begin: conn id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ConnID] = rec
	return nil
}

// Complete implements [Store].
func (m *MemStore) Complete(_ context.Context, connID string, c Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[connID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, connID)
	}
	rec.EndedAt = c.EndedAt
	rec.EndReason = c.EndReason
	rec.MediaFrames = c.MediaFrames
	rec.DecodeErrors = c.DecodeErrors
	rec.OutboundMessages = c.OutboundMessages
	m.records[connID] = rec
	return nil
}

// Get implements [Store].
func (m *MemStore) Get(_ context.Context, connID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[connID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// List implements [Store].
func (m *MemStore) List(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ConnID, b.ConnID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping implements [Store]. It always succeeds.
func (m *MemStore) Ping(context.Context) error { return nil }
