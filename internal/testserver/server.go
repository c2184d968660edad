package testserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"PresentCoach/internal/database"
	"PresentCoach/internal/protocol"
)

// ServerConfig 开发用教练后端配置
type ServerConfig struct {
	Addr            string
	PingInterval    time.Duration // 服务端保活ping间隔
	MaxConnections  int
	ReadBufferSize  int
	WriteBufferSize int
	ReadLimit       int64

	// FrameFeedback/AudioFeedback 为nil时使用默认脚本
	FrameFeedback FeedbackFunc
	AudioFeedback FeedbackFunc

	// Repository 为nil时使用内存存储
	Repository database.SessionRepository
	// RequireAuth 保存会话时要求 Bearer token
	RequireAuth bool
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:            addr,
		PingInterval:    30 * time.Second,
		MaxConnections:  100,
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 16 * 1024,
		ReadLimit:       protocol.MaxEnvelopeSize,
		RequireAuth:     true,
	}
}

// liveSession 服务端记录的直播会话
type liveSession struct {
	ID        string
	StartedAt time.Time

	mu        sync.Mutex
	status    string
	stoppedAt time.Time

	frames atomic.Uint64
	audio  atomic.Uint64
}

func (l *liveSession) setStatus(status string) {
	l.mu.Lock()
	l.status = status
	if status == "stopped" {
		l.stoppedAt = time.Now()
	}
	l.mu.Unlock()
}

func (l *liveSession) Status() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Stats 服务器统计信息
type Stats struct {
	Running            bool    `json:"running"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
	CurrentConnections int32   `json:"current_connections"`
	TotalConnections   uint64  `json:"total_connections"`
	TotalMessages      uint64  `json:"total_messages"`
	FramesReceived     uint64  `json:"frames_received"`
	AudioReceived      uint64  `json:"audio_received"`
	FeedbackSent       uint64  `json:"feedback_sent"`
	PingsSent          uint64  `json:"pings_sent"`
	PongsReceived      uint64  `json:"pongs_received"`
	SessionsStarted    uint64  `json:"sessions_started"`
	SessionsStopped    uint64  `json:"sessions_stopped"`
	UpgradeAttempts    uint64  `json:"upgrade_attempts"`
	UpgradesRejected   uint64  `json:"upgrades_rejected"`
	RequestCount       uint64  `json:"request_count"`
}

// Server 开发用教练后端：会话引导、实时通道和会话存档
type Server struct {
	config   *ServerConfig
	server   *http.Server
	router   *mux.Router
	upgrader websocket.Upgrader
	repo     database.SessionRepository
	listener net.Listener

	// 连接管理
	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	sessions sync.Map // map[string]*liveSession

	stopCh chan struct{}

	// 故障注入
	failBootstrap  atomic.Bool
	rejectUpgrades atomic.Bool
	bootstrapDelay atomic.Int64 // time.Duration
	upgradeDelay   atomic.Int64 // time.Duration

	isRunning atomic.Bool

	// 统计信息
	totalConnections atomic.Uint64
	totalMessages    atomic.Uint64
	framesReceived   atomic.Uint64
	audioReceived    atomic.Uint64
	feedbackSent     atomic.Uint64
	pingsSent        atomic.Uint64
	pongsReceived    atomic.Uint64
	sessionsStarted  atomic.Uint64
	sessionsStopped  atomic.Uint64
	upgradeAttempts  atomic.Uint64
	upgradesRejected atomic.Uint64
	requestCount     atomic.Uint64
	startTime        time.Time
}

// New 创建开发后端
func New(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig(":8000")
	}
	if config.FrameFeedback == nil {
		config.FrameFeedback = DefaultFrameFeedback
	}
	if config.AudioFeedback == nil {
		config.AudioFeedback = DefaultAudioFeedback
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = protocol.MaxEnvelopeSize
	}

	repo := config.Repository
	if repo == nil {
		repo = database.NewMemoryRepository()
	}

	s := &Server{
		config: config,
		router: mux.NewRouter(),
		repo:   repo,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有源
			},
		},
		stopCh:    make(chan struct{}),
		startTime: time.Now(),
	}

	s.setupRoutes()

	// 设置CORS，浏览器前端直接调用
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.server = &http.Server{
		Addr:              config.Addr,
		Handler:           c.Handler(s.router),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	live := s.router.PathPrefix("/api/live").Subrouter()
	live.HandleFunc("/session/start", s.startSessionHandler).Methods("POST")
	live.HandleFunc("/session/{session_id}/stop", s.stopSessionHandler).Methods("POST")
	live.HandleFunc("/ws/{session_id}", s.handleWebSocket).Methods("GET")
	live.HandleFunc("/sessions", s.saveSessionHandler).Methods("POST")
	live.HandleFunc("/sessions", s.listSessionsHandler).Methods("GET")
	live.HandleFunc("/sessions/{session_id}", s.getSessionHandler).Methods("GET")

	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/control", s.handleControl).Methods("POST")
}

// Start 监听并在后台提供服务
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return errors.New("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return fmt.Errorf("listen on %s failed: %w", s.config.Addr, err)
	}
	s.listener = ln

	slog.Info("devserver: listening", "addr", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("devserver: serve failed", "error", err)
		}
	}()

	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// BaseURL 供客户端使用的 http 地址
func (s *Server) BaseURL() string {
	_, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return "http://" + s.Addr()
	}
	return "http://127.0.0.1:" + port
}

// Shutdown 关闭服务器
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	slog.Info("devserver: shutting down")
	close(s.stopCh)

	s.connections.Range(func(key, value any) bool {
		s.closeConnection(value.(*Connection), websocket.CloseGoingAway, "Server shutdown")
		return true
	})
	s.connWg.Wait()

	err := s.server.Shutdown(ctx)
	s.repo.Close()
	return err
}

// SetFailBootstrap 使会话引导返回503
func (s *Server) SetFailBootstrap(fail bool) {
	s.failBootstrap.Store(fail)
}

// SetRejectUpgrades 使WebSocket升级返回503
func (s *Server) SetRejectUpgrades(reject bool) {
	s.rejectUpgrades.Store(reject)
}

// SetBootstrapDelay 会话引导在响应前等待d
func (s *Server) SetBootstrapDelay(d time.Duration) {
	s.bootstrapDelay.Store(int64(d))
}

// SetUpgradeDelay WebSocket升级前等待d
func (s *Server) SetUpgradeDelay(d time.Duration) {
	s.upgradeDelay.Store(int64(d))
}

// pause 注入延迟，客户端放弃请求或服务器关闭时返回false
func (s *Server) pause(r *http.Request, delay *atomic.Int64) bool {
	d := time.Duration(delay.Load())
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.Context().Done():
		slog.Debug("devserver: client gave up during injected delay", "path", r.URL.Path)
		return false
	case <-s.stopCh:
		return false
	}
}

// Repository 会话存储
func (s *Server) Repository() database.SessionRepository {
	return s.repo
}

// SessionStatus 服务端记录的会话状态，不存在时返回空串
func (s *Server) SessionStatus(sessionID string) string {
	v, ok := s.sessions.Load(sessionID)
	if !ok {
		return ""
	}
	return v.(*liveSession).Status()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("devserver: request",
			"method", r.Method,
			"uri", r.RequestURI,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		next.ServeHTTP(w, r)
	})
}

// startSessionHandler POST /api/live/session/start
func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !s.pause(r, &s.bootstrapDelay) {
		return
	}
	if s.failBootstrap.Load() {
		writeError(w, http.StatusServiceUnavailable, "session service unavailable")
		return
	}

	sess := &liveSession{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		status:    "initialized",
	}
	s.sessions.Store(sess.ID, sess)
	s.sessionsStarted.Add(1)

	slog.Info("devserver: session started", "session_id", sess.ID)
	writeJSON(w, http.StatusOK, protocol.StartSessionResponse{
		SessionID: sess.ID,
		Status:    "initialized",
	})
}

// stopSessionHandler POST /api/live/session/{session_id}/stop
func (s *Server) stopSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	v, ok := s.sessions.Load(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess := v.(*liveSession)
	sess.setStatus("stopped")
	s.sessionsStopped.Add(1)

	slog.Info("devserver: session stopped",
		"session_id", sessionID,
		"frames", sess.frames.Load(),
		"audio_chunks", sess.audio.Load(),
	)
	writeJSON(w, http.StatusOK, protocol.StopSessionResponse{
		Status:    "stopped",
		SessionID: sessionID,
	})
}

// saveSessionRequest POST /api/live/sessions 请求体
type saveSessionRequest struct {
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Feedback  json.RawMessage `json:"feedback"`
}

// saveSessionHandler POST /api/live/sessions
func (s *Server) saveSessionHandler(w http.ResponseWriter, r *http.Request) {
	if s.config.RequireAuth && bearerToken(r) == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var req saveSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	saved := &database.SavedSession{
		SessionID:  req.SessionID,
		RecordedAt: req.Timestamp,
		Feedback:   req.Feedback,
	}
	if err := s.repo.Save(r.Context(), saved); err != nil {
		slog.Error("devserver: save session failed", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save session")
		return
	}

	slog.Info("devserver: session saved", "session_id", req.SessionID)
	writeJSON(w, http.StatusCreated, map[string]string{
		"status":     "saved",
		"session_id": req.SessionID,
	})
}

// listSessionsHandler GET /api/live/sessions?limit=n
func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	list, err := s.repo.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if list == nil {
		list = []*database.SavedSession{}
	}
	writeJSON(w, http.StatusOK, list)
}

// getSessionHandler GET /api/live/sessions/{session_id}
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	saved, err := s.repo.Get(r.Context(), sessionID)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// handleStats GET /stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.GetStats())
}

// handleControl 处理控制命令
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	switch action {
	case "disconnect_all":
		s.ForceDisconnectAll()
	case "drop_all":
		s.DropAll()
	case "fail_bootstrap":
		s.SetFailBootstrap(r.URL.Query().Get("enabled") != "false")
	case "reject_upgrades":
		s.SetRejectUpgrades(r.URL.Query().Get("enabled") != "false")
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"action": action, "status": "ok"})
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() Stats {
	return Stats{
		Running:            s.isRunning.Load(),
		UptimeSeconds:      time.Since(s.startTime).Seconds(),
		CurrentConnections: s.connCount.Load(),
		TotalConnections:   s.totalConnections.Load(),
		TotalMessages:      s.totalMessages.Load(),
		FramesReceived:     s.framesReceived.Load(),
		AudioReceived:      s.audioReceived.Load(),
		FeedbackSent:       s.feedbackSent.Load(),
		PingsSent:          s.pingsSent.Load(),
		PongsReceived:      s.pongsReceived.Load(),
		SessionsStarted:    s.sessionsStarted.Load(),
		SessionsStopped:    s.sessionsStopped.Load(),
		UpgradeAttempts:    s.upgradeAttempts.Load(),
		UpgradesRejected:   s.upgradesRejected.Load(),
		RequestCount:       s.requestCount.Load(),
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, protocol.ErrorPayload{Error: message})
}
