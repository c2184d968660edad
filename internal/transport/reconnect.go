package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// scheduleReconnect 异常关闭后安排重连
//
// 自上次成功打开以来的第k次异常关闭在k小于上限时安排第k次重连，重连拨号失败也算一次异常关闭。
// 第max次异常关闭不再重连，进入断开状态并通知连接丢失。
func (s *Session) scheduleReconnect(gen uint64, conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.gen != gen || (conn != nil && s.conn != conn) {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.attempts++
	attempt := s.attempts
	sessionID := s.sessionID

	if attempt >= s.cfg.MaxReconnectAttempts {
		s.reconnectTimer = nil
		old, changed := s.swapState(StateDisconnected)
		lost := s.onLost
		s.mu.Unlock()

		s.notify(old, StateDisconnected, changed)
		slog.Warn("transport: max reconnect attempts exceeded, giving up",
			"session_id", sessionID,
			"max_attempts", s.cfg.MaxReconnectAttempts,
			"error", cause,
		)
		if lost != nil {
			lost(cause)
		}
		return
	}

	delay := s.backOff.NextBackOff()
	if delay == backoff.Stop {
		delay = s.cfg.MaxReconnectInterval
	}
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.reconnect(gen, attempt)
	})
	old, changed := s.swapState(StateReconnecting)
	s.mu.Unlock()

	s.notify(old, StateReconnecting, changed)
	slog.Warn("transport: channel closed abnormally, scheduling reconnect",
		"session_id", sessionID,
		"attempt", attempt,
		"max_attempts", s.cfg.MaxReconnectAttempts,
		"delay", delay,
		"error", cause,
	)
}

// reconnect 使用同一个会话ID重新拨号
func (s *Session) reconnect(gen uint64, attempt int) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	sessionID := s.sessionID
	life := s.life
	s.mu.Unlock()

	slog.Info("transport: reconnecting",
		"session_id", sessionID,
		"attempt", attempt,
		"max_attempts", s.cfg.MaxReconnectAttempts,
	)
	s.reconnectAttempts.Add(1)

	ctx, cancel := context.WithTimeout(life, s.cfg.ConnectTimeout)
	conn, err := s.dial(ctx, sessionID)
	cancel()

	if err != nil {
		slog.Warn("transport: reconnect failed", "session_id", sessionID, "attempt", attempt, "error", err)
		s.scheduleReconnect(gen, nil, err)
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.attempts = 0
	s.backOff.Reset()
	old, changed := s.swapState(StateConnected)
	s.mu.Unlock()

	s.notify(old, StateConnected, changed)
	s.reconnects.Add(1)
	slog.Info("transport: reconnected successfully", "session_id", sessionID, "attempt", attempt)

	go s.readLoop(conn, gen)
}

// PendingReconnects 自上次成功打开以来的异常关闭次数
func (s *Session) PendingReconnects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}
