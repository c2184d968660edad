package database

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// MemoryRepository 内存存储，未配置数据库时使用
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*SavedSession
}

// NewMemoryRepository 创建内存存储
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*SavedSession),
	}
}

func (m *MemoryRepository) Save(ctx context.Context, s *SavedSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cp := cloneSession(s)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	m.sessions[cp.SessionID] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, sessionID string) (*SavedSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryRepository) List(ctx context.Context, limit int) ([]*SavedSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	out := make([]*SavedSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, cloneSession(s))
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *SavedSession) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) Close() {}

func cloneSession(s *SavedSession) *SavedSession {
	cp := *s
	cp.Feedback = append(json.RawMessage(nil), s.Feedback...)
	return &cp
}
