package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config 数据库配置
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// ConnectPgx 创建PostgreSQL连接池并检查连通性
func ConnectPgx(ctx context.Context, config *Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// 设置连接池参数
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("database: postgres pool created", "max_conns", poolConfig.MaxConns)
	return pool, nil
}

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS live_sessions (
	session_id  TEXT PRIMARY KEY,
	recorded_at TIMESTAMPTZ NOT NULL,
	feedback    JSONB NOT NULL DEFAULT 'null',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PgxRepository 基于pgxpool的会话存储
type PgxRepository struct {
	pool *pgxpool.Pool
}

// NewPgxRepository 创建存储并确保表存在
func NewPgxRepository(ctx context.Context, pool *pgxpool.Pool) (*PgxRepository, error) {
	if _, err := pool.Exec(ctx, createSessionsTable); err != nil {
		return nil, fmt.Errorf("failed to create live_sessions table: %w", err)
	}
	return &PgxRepository{pool: pool}, nil
}

func (r *PgxRepository) Save(ctx context.Context, s *SavedSession) error {
	feedback := s.Feedback
	if len(feedback) == 0 {
		feedback = []byte("null")
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO live_sessions (session_id, recorded_at, feedback)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE
		SET recorded_at = EXCLUDED.recorded_at, feedback = EXCLUDED.feedback`,
		s.SessionID, s.RecordedAt, string(feedback),
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.SessionID, err)
	}
	return nil
}

func (r *PgxRepository) Get(ctx context.Context, sessionID string) (*SavedSession, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT session_id, recorded_at, feedback::text, created_at
		FROM live_sessions WHERE session_id = $1`, sessionID)

	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return s, nil
}

func (r *PgxRepository) List(ctx context.Context, limit int) ([]*SavedSession, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
		SELECT session_id, recorded_at, feedback::text, created_at
		FROM live_sessions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*SavedSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close 关闭连接池
func (r *PgxRepository) Close() {
	r.pool.Close()
	slog.Info("database: postgres pool closed")
}

// Stats 连接池统计信息
func (r *PgxRepository) Stats() *pgxpool.Stat {
	return r.pool.Stat()
}

func scanSession(row pgx.Row) (*SavedSession, error) {
	var (
		s        SavedSession
		feedback string
	)
	if err := row.Scan(&s.SessionID, &s.RecordedAt, &feedback, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Feedback = []byte(feedback)
	return &s, nil
}
