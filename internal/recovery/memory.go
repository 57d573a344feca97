package recovery

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory
type MemoryStore struct {
	mu         sync.Mutex
	pending    *PendingRecord
	session    *SessionRecord
	published  map[string]time.Time
	pendingTTL time.Duration
}

func NewMemoryStore(pendingTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		published:  make(map[string]time.Time),
		pendingTTL: pendingTTL,
	}
}

func (m *MemoryStore) SavePending(ctx context.Context, rec *PendingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = copyPending(rec)
	return nil
}

func (m *MemoryStore) LoadPending(ctx context.Context) (*PendingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil && expired(m.pending.CreatedAt, m.pendingTTL) {
		m.pending = nil
	}
	return copyPending(m.pending), nil
}

func (m *MemoryStore) ClearPending(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	return nil
}

func (m *MemoryStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = copySession(rec)
	return nil
}

func (m *MemoryStore) LoadSession(ctx context.Context) (*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySession(m.session), nil
}

func (m *MemoryStore) ClearSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}

func (m *MemoryStore) MarkPublished(ctx context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.published[itemID]; !ok {
		m.published[itemID] = time.Now()
	}
	return nil
}

func (m *MemoryStore) IsPublished(ctx context.Context, itemID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.published[itemID]
	return ok, nil
}

// PublishedCount returns the number of checkpointed items
func (m *MemoryStore) PublishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

func (m *MemoryStore) Close() error {
	return nil
}
