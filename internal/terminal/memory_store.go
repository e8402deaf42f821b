package terminal

import (
	"context"
	"sync"
	"time"

	"stockledger/internal/common"
)

// MemoryStore keeps the queue in process memory. Entries are lost on exit.
type MemoryStore struct {
	mu      sync.Mutex
	nextSeq int64
	entries []*Entry
	keys    map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]int64)}
}

func (m *MemoryStore) Append(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[e.IdempotencyKey]; ok {
		return &common.DuplicateOperationError{Key: e.IdempotencyKey}
	}
	m.nextSeq++
	e.Seq = m.nextSeq
	e.Status = StatusPending
	stored := *e
	m.entries = append(m.entries, &stored)
	m.keys[e.IdempotencyKey] = e.Seq
	return nil
}

func (m *MemoryStore) Pending(ctx context.Context, limit int) ([]Entry, error) {
	return m.ListByStatus(ctx, StatusPending, limit)
}

func (m *MemoryStore) Mark(ctx context.Context, seq int64, status EntryStatus, code, message string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.Seq != seq {
			continue
		}
		e.Status = status
		e.Code = code
		e.Message = message
		syncedAt := at
		e.SyncedAt = &syncedAt
		return nil
	}
	return ErrEntryNotFound
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status EntryStatus, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// entries are appended in Seq order
	var out []Entry
	for _, e := range m.entries {
		if e.Status != status {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
