package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("saved session not found")

// SavedSession 已保存的直播练习会话
type SavedSession struct {
	SessionID  string          `json:"session_id"`
	RecordedAt time.Time       `json:"timestamp"`
	Feedback   json.RawMessage `json:"feedback"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SessionRepository 会话存储
type SessionRepository interface {
	// Save 保存会话，同一ID重复保存时覆盖
	Save(ctx context.Context, s *SavedSession) error
	Get(ctx context.Context, sessionID string) (*SavedSession, error)
	// List 按创建时间倒序返回最近的会话
	List(ctx context.Context, limit int) ([]*SavedSession, error)
	Close()
}
