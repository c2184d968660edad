package testserver

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"PresentCoach/internal/protocol"
)

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt      time.Time
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	LastActivity     atomic.Int64 // unix nano
	BytesReceived    atomic.Uint64
	BytesSent        atomic.Uint64
}

// Connection 表示一个实时通道连接
type Connection struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Stats     *ConnectionStats

	session *liveSession

	stopChan  chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex // 写入锁
}

// handleWebSocket GET /api/live/ws/{session_id}
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	s.upgradeAttempts.Add(1)

	if !s.pause(r, &s.upgradeDelay) {
		return
	}
	if s.rejectUpgrades.Load() {
		s.upgradesRejected.Add(1)
		http.Error(w, "Live channel unavailable", http.StatusServiceUnavailable)
		return
	}

	v, ok := s.sessions.Load(sessionID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("devserver: websocket upgrade failed", "error", err)
		return
	}

	sess := v.(*liveSession)
	sess.setStatus("active")

	conn := &Connection{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Conn:      wsConn,
		Stats:     &ConnectionStats{ConnectedAt: time.Now()},
		session:   sess,
		stopChan:  make(chan struct{}),
	}
	conn.Stats.LastActivity.Store(time.Now().UnixNano())

	s.connections.Store(conn.ID, conn)
	s.connCount.Add(1)
	s.totalConnections.Add(1)

	slog.Info("devserver: live channel opened",
		"conn_id", conn.ID,
		"session_id", sessionID,
		"remote", r.RemoteAddr,
	)

	s.connWg.Add(1)
	go s.pingLoop(conn)

	s.messageReadLoop(conn)
}

// messageReadLoop 消息读取循环
func (s *Server) messageReadLoop(conn *Connection) {
	defer s.closeConnection(conn, websocket.CloseNormalClosure, "Connection ended")

	conn.Conn.SetReadLimit(s.config.ReadLimit)

	for {
		_, rawData, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("devserver: connection read error", "conn_id", conn.ID, "error", err)
			}
			return
		}

		conn.Stats.MessagesReceived.Add(1)
		conn.Stats.BytesReceived.Add(uint64(len(rawData)))
		conn.Stats.LastActivity.Store(time.Now().UnixNano())
		s.totalMessages.Add(1)

		s.handleMessage(conn, rawData)
	}
}

// handleMessage 处理上行消息：帧和音频回复反馈，其它格式错误回复error
func (s *Server) handleMessage(conn *Connection, rawData []byte) {
	env, err := protocol.DecodeEnvelope(rawData)
	if err != nil {
		s.sendError(conn, "invalid message: "+err.Error())
		return
	}

	switch env.Type {
	case protocol.TypeVideoFrame:
		frame, err := env.DecodeString()
		if err != nil || !protocol.IsImageDataURI(frame) {
			s.sendError(conn, "invalid video frame")
			return
		}
		s.framesReceived.Add(1)
		n := conn.session.frames.Add(1)
		s.sendFeedback(conn, s.config.FrameFeedback(n))

	case protocol.TypeAudioChunk:
		chunk, err := env.DecodeString()
		if err != nil || !protocol.IsAudioDataURI(chunk) {
			s.sendError(conn, "invalid audio chunk")
			return
		}
		s.audioReceived.Add(1)
		n := conn.session.audio.Add(1)
		s.sendFeedback(conn, s.config.AudioFeedback(n))

	case protocol.TypePong:
		s.pongsReceived.Add(1)

	default:
		s.sendError(conn, "unexpected message type: "+env.Type.String())
	}
}

// pingLoop 服务端保活
func (s *Server) pingLoop(conn *Connection) {
	defer s.connWg.Done()

	interval := s.config.PingInterval
	if interval <= 0 {
		<-conn.stopChan
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.stopChan:
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.sendEnvelope(conn, protocol.TypePing, nil); err != nil {
				slog.Debug("devserver: ping failed", "conn_id", conn.ID, "error", err)
				return
			}
			s.pingsSent.Add(1)
		}
	}
}

func (s *Server) sendFeedback(conn *Connection, ev *protocol.FeedbackEvent) {
	if ev == nil {
		return
	}
	if err := s.sendEnvelope(conn, protocol.TypeFeedback, ev); err != nil {
		slog.Debug("devserver: send feedback failed", "conn_id", conn.ID, "error", err)
		return
	}
	s.feedbackSent.Add(1)
}

func (s *Server) sendError(conn *Connection, message string) {
	if err := s.sendEnvelope(conn, protocol.TypeError, protocol.ErrorPayload{Error: message}); err != nil {
		slog.Debug("devserver: send error failed", "conn_id", conn.ID, "error", err)
	}
}

// sendEnvelope 发送消息给指定连接
func (s *Server) sendEnvelope(conn *Connection, msgType protocol.MessageType, payload any) error {
	raw, err := protocol.EncodeEnvelope(msgType, payload)
	if err != nil {
		return err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.Conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	conn.Stats.MessagesSent.Add(1)
	conn.Stats.BytesSent.Add(uint64(len(raw)))
	return nil
}

// ForceDisconnectAll 以正常关闭码断开所有连接
func (s *Server) ForceDisconnectAll() {
	slog.Info("devserver: force disconnecting all connections")
	s.connections.Range(func(key, value any) bool {
		s.closeConnection(value.(*Connection), websocket.CloseNormalClosure, "Force disconnect")
		return true
	})
}

// DropAll 不发送关闭帧直接断开底层连接，客户端视为异常关闭
func (s *Server) DropAll() {
	slog.Info("devserver: dropping all connections")
	s.connections.Range(func(key, value any) bool {
		s.closeConnection(value.(*Connection), 0, "")
		return true
	})
}

// closeConnection 关闭连接，code为0时不发送关闭帧
func (s *Server) closeConnection(conn *Connection, code int, reason string) {
	conn.closeOnce.Do(func() {
		s.connections.Delete(conn.ID)
		s.connCount.Add(-1)
		close(conn.stopChan)

		conn.mu.Lock()
		if code != 0 {
			conn.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(time.Second))
		}
		conn.Conn.Close()
		conn.mu.Unlock()

		slog.Info("devserver: live channel closed",
			"conn_id", conn.ID,
			"session_id", conn.SessionID,
			"reason", reason,
		)
	})
}

// ConnectionCount 当前连接数
func (s *Server) ConnectionCount() int {
	return int(s.connCount.Load())
}

// GetConnectionStats 获取连接统计信息
func (s *Server) GetConnectionStats() map[string]*ConnectionStats {
	stats := make(map[string]*ConnectionStats)

	s.connections.Range(func(key, value any) bool {
		stats[key.(string)] = value.(*Connection).Stats
		return true
	})

	return stats
}
