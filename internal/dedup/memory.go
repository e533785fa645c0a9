package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/voxqueue/internal/domain"
)

type memoryItem[T any] struct {
	value     T
	expiresAt time.Time
}

// Memory is an in-process Cache with per-entry expiry.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryItem[Entry]
	assets  map[uuid.UUID]memoryItem[string]
	now     func() time.Time
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an empty cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryItem[Entry]),
		assets:  make(map[uuid.UUID]memoryItem[string]),
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Lookup(ctx context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(item.expiresAt) {
		delete(m.entries, key)
		return nil, nil
	}
	entry := item.value
	return &entry, nil
}

func (m *Memory) RememberPending(ctx context.Context, key string, jobID uuid.UUID, ttl time.Duration) error {
	return m.RememberResult(ctx, key, Entry{JobID: jobID, Status: domain.JobStatusPending}, ttl)
}

func (m *Memory) RememberResult(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryItem[Entry]{value: entry, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Forget(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) MarkAsset(ctx context.Context, jobID uuid.UUID, ref string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[jobID] = memoryItem[string]{value: ref, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) AssetFor(ctx context.Context, jobID uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.assets[jobID]
	if !ok {
		return "", nil
	}
	if !m.now().Before(item.expiresAt) {
		delete(m.assets, jobID)
		return "", nil
	}
	return item.value, nil
}
