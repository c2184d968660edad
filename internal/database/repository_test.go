package database

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseRepository 两种存储共用的行为检查
func exerciseRepository(t *testing.T, repo SessionRepository) {
	ctx := context.Background()
	id := "test-" + uuid.NewString()
	recorded := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := repo.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	first := &SavedSession{
		SessionID:  id,
		RecordedAt: recorded,
		Feedback:   json.RawMessage(`{"eye_contact":"yes"}`),
	}
	require.NoError(t, repo.Save(ctx, first))

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.SessionID)
	assert.True(t, recorded.Equal(got.RecordedAt))
	assert.JSONEq(t, `{"eye_contact":"yes"}`, string(got.Feedback))
	assert.False(t, got.CreatedAt.IsZero())

	// 重复保存覆盖
	first.Feedback = json.RawMessage(`{"eye_contact":"no"}`)
	require.NoError(t, repo.Save(ctx, first))
	got, err = repo.Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"eye_contact":"no"}`, string(got.Feedback))

	list, err := repo.List(ctx, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, s := range list {
		ids = append(ids, s.SessionID)
	}
	assert.Contains(t, ids, id)
}

// TestMemoryRepository 测试内存存储
func TestMemoryRepository(t *testing.T) {
	repo := NewMemoryRepository()
	defer repo.Close()
	exerciseRepository(t, repo)
}

// TestMemoryRepositoryIsolation 测试返回值与内部数据隔离
func TestMemoryRepositoryIsolation(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	s := &SavedSession{SessionID: "a", RecordedAt: time.Now(), Feedback: json.RawMessage(`{"x":1}`)}
	require.NoError(t, repo.Save(ctx, s))
	s.Feedback[2] = 'y'

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(got.Feedback))
}

// TestMemoryRepositoryListOrder 测试按创建时间倒序并限制数量
func TestMemoryRepositoryListOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Now().UTC()

	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, repo.Save(ctx, &SavedSession{
			SessionID: id,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	list, err := repo.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].SessionID)
	assert.Equal(t, "mid", list[1].SessionID)
}

// TestPgxRepository 需要设置 COACH_TEST_DATABASE_URL
func TestPgxRepository(t *testing.T) {
	dsn := os.Getenv("COACH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("COACH_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := ConnectPgx(ctx, DefaultConfig(dsn))
	require.NoError(t, err)

	repo, err := NewPgxRepository(ctx, pool)
	require.NoError(t, err)
	defer repo.Close()

	exerciseRepository(t, repo)
	assert.NotNil(t, repo.Stats())
}
