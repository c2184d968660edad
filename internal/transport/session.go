package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"PresentCoach/internal/protocol"
)

var (
	ErrNotConnected   = errors.New("transport: channel not connected")
	ErrClosed         = errors.New("transport: session closed")
	ErrConnectAborted = errors.New("transport: connect aborted by disconnect")
	ErrInvalidFrame   = errors.New("transport: frame is not an image data URI")
	ErrEmptyAudio     = errors.New("transport: empty audio chunk")
)

// Handler 下行消息处理器
type Handler func(env *protocol.Envelope)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState State)

// ConnectionLostHandler 重连耗尽后调用
type ConnectionLostHandler func(err error)

// Stats 通道统计
type Stats struct {
	State             string `json:"state"`
	SessionID         string `json:"session_id,omitempty"`
	Simulated         bool   `json:"simulated"`
	MessagesSent      uint64 `json:"messages_sent"`
	MessagesReceived  uint64 `json:"messages_received"`
	MessagesDropped   uint64 `json:"messages_dropped"`
	MessagesDiscarded uint64 `json:"messages_discarded"` // 模拟模式下丢弃的上行消息
	DecodeErrors      uint64 `json:"decode_errors"`
	ReconnectAttempts uint64 `json:"reconnect_attempts"`
	Reconnects        uint64 `json:"reconnects"`
	SimulatedEvents   uint64 `json:"simulated_events"`
}

// Session 单个会话的实时通道，负责引导、消息分发、有限次重连和模拟模式
type Session struct {
	cfg    Config
	dialer *websocket.Dialer
	state  atomic.Int32

	mu        sync.RWMutex
	conn      *websocket.Conn
	sessionID string
	simulated bool
	gen       uint64 // 每次 Connect/Disconnect 递增，旧的后台任务据此退出
	life      context.Context
	cancel    context.CancelFunc

	handlers      map[protocol.MessageType]Handler
	onStateChange StateChangeHandler
	onLost        ConnectionLostHandler

	// 重连控制，受 mu 保护
	attempts       int
	backOff        *backoff.ExponentialBackOff
	reconnectTimer *time.Timer

	writeMu sync.Mutex // 专用于WebSocket写入同步

	sent              atomic.Uint64
	received          atomic.Uint64
	dropped           atomic.Uint64
	discarded         atomic.Uint64
	decodeErrors      atomic.Uint64
	reconnectAttempts atomic.Uint64
	reconnects        atomic.Uint64
	simulatedEvents   atomic.Uint64
}

// New 创建传输会话
func New(cfg *Config) *Session {
	if cfg == nil {
		panic("config cannot be nil")
	}
	c := cfg.withDefaults()

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = c.HandshakeTimeout

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.ReconnectInterval
	b.MaxInterval = c.MaxReconnectInterval
	b.MaxElapsedTime = 0 // 次数由 MaxReconnectAttempts 限制

	s := &Session{
		cfg:      c,
		dialer:   &dialer,
		handlers: make(map[protocol.MessageType]Handler),
		backOff:  b,
	}
	s.state.Store(int32(StateDisconnected))
	return s
}

// RegisterHandler 注册某类下行消息的处理器，后注册的覆盖先注册的，nil表示移除
func (s *Session) RegisterHandler(msgType protocol.MessageType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		delete(s.handlers, msgType)
		return
	}
	s.handlers[msgType] = h
}

// SetStateChangeHandler 设置状态变化处理器
func (s *Session) SetStateChangeHandler(h StateChangeHandler) {
	s.mu.Lock()
	s.onStateChange = h
	s.mu.Unlock()
}

// SetConnectionLostHandler 设置连接丢失处理器
func (s *Session) SetConnectionLostHandler(h ConnectionLostHandler) {
	s.mu.Lock()
	s.onLost = h
	s.mu.Unlock()
}

// Connect 引导会话并建立通道
//
// 引导失败且启用模拟时切换到模拟模式并返回nil；引导成功但拨号失败返回 *ConnectError，
// 会话ID保留到下一次 Disconnect 或 Connect。已有通道时先断开。
func (s *Session) Connect(ctx context.Context) error {
	switch s.State() {
	case StateClosed:
		return ErrClosed
	case StateDisconnected:
		// 放弃重连或拨号失败后会话仍在服务端
		if id := s.SessionID(); id != "" {
			slog.Info("transport: stopping previous session before connect", "session_id", id)
			_ = s.Disconnect(ctx)
		}
	default:
		slog.Info("transport: tearing down existing channel before connect", "state", s.State())
		_ = s.Disconnect(ctx)
	}

	s.mu.Lock()
	if s.State() == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	life, cancel := context.WithCancel(context.Background())
	s.life, s.cancel = life, cancel
	s.attempts = 0
	s.backOff.Reset()
	old, changed := s.swapState(StateConnecting)
	s.mu.Unlock()
	s.notify(old, StateConnecting, changed)

	connectCtx, cancelConnect := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancelConnect()
	stop := context.AfterFunc(life, cancelConnect)
	defer stop()

	sessionID, err := StartSession(connectCtx, s.cfg.HTTPClient, s.cfg.APIBaseURL)
	if err != nil {
		if s.cfg.EnableSimulation && life.Err() == nil {
			return s.startSimulation(gen, err)
		}
		if !s.failConnect(gen) {
			return ErrConnectAborted
		}
		slog.Error("transport: session bootstrap failed", "error", err)
		return &ConnectError{Stage: "bootstrap", Err: err}
	}
	slog.Info("transport: session started", "session_id", sessionID)

	// 拨号前记录会话ID，拨号期间断开也能通知服务端停止
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.stopAbandoned(ctx, sessionID)
		return ErrConnectAborted
	}
	s.sessionID = sessionID
	s.mu.Unlock()

	conn, err := s.dial(connectCtx, sessionID)
	if err != nil {
		if !s.failConnect(gen) {
			return ErrConnectAborted
		}
		slog.Error("transport: channel dial failed", "session_id", sessionID, "error", err)
		return &ConnectError{Stage: "dial", SessionID: sessionID, Err: err}
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		conn.Close()
		return ErrConnectAborted
	}
	s.conn = conn
	old, changed = s.swapState(StateConnected)
	s.mu.Unlock()
	s.notify(old, StateConnected, changed)

	slog.Info("transport: channel established", "session_id", sessionID)
	go s.readLoop(conn, gen)
	return nil
}

// failConnect 连接失败回到断开状态，返回false表示本次连接已被取消
func (s *Session) failConnect(gen uint64) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	old, changed := s.swapState(StateDisconnected)
	s.mu.Unlock()
	s.notify(old, StateDisconnected, changed)
	return true
}

// stopAbandoned 引导完成前连接已被取消，尽力停止刚创建的会话
func (s *Session) stopAbandoned(ctx context.Context, sessionID string) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ConnectTimeout)
	defer cancel()
	if err := StopSession(stopCtx, s.cfg.HTTPClient, s.cfg.APIBaseURL, sessionID); err != nil {
		slog.Warn("transport: stop abandoned session failed", "session_id", sessionID, "error", err)
		return
	}
	slog.Info("transport: abandoned session stopped", "session_id", sessionID)
}

// dial 建立WebSocket连接
func (s *Session) dial(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	wsURL, err := WebSocketURL(s.cfg.APIBaseURL, sessionID)
	if err != nil {
		return nil, err
	}

	headers := http.Header{
		"User-Agent": []string{s.cfg.UserAgent},
	}

	conn, resp, err := s.dialer.DialContext(ctx, wsURL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s failed with status %d: %w", wsURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s failed: %w", wsURL, err)
	}

	conn.SetReadLimit(protocol.MaxEnvelopeSize)
	return conn, nil
}

// Disconnect 结束会话并关闭通道，可重复调用
//
// 非模拟模式下尽力通知服务端停止会话，错误只记录日志。
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	st := s.State()
	if st == StateClosed || (st == StateDisconnected && s.sessionID == "" && s.cancel == nil) {
		s.mu.Unlock()
		return nil
	}

	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	conn := s.conn
	sessionID, simulated := s.sessionID, s.simulated
	s.conn = nil
	s.sessionID = ""
	s.simulated = false
	s.attempts = 0
	old, changed := s.swapState(StateDisconnected)
	s.mu.Unlock()

	if !simulated && sessionID != "" {
		if err := StopSession(ctx, s.cfg.HTTPClient, s.cfg.APIBaseURL, sessionID); err != nil {
			slog.Warn("transport: stop session request failed", "session_id", sessionID, "error", err)
		}
	}

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped"),
			time.Now().Add(s.cfg.WriteTimeout))
		s.writeMu.Unlock()
		conn.Close()
	}

	s.notify(old, StateDisconnected, changed)
	slog.Info("transport: disconnected", "session_id", sessionID, "simulated", simulated)
	return nil
}

// Close 断开并进入终态，之后不能再连接
func (s *Session) Close() error {
	err := s.Disconnect(context.Background())

	s.mu.Lock()
	old, changed := s.swapState(StateClosed)
	s.mu.Unlock()
	s.notify(old, StateClosed, changed)
	return err
}

// Send 发送上行消息
//
// 通道未打开时记录日志并丢弃，不排队；模拟模式下直接接受并丢弃。
func (s *Session) Send(msgType protocol.MessageType, payload any) error {
	if !msgType.IsOutbound() {
		return fmt.Errorf("%w: %s is not an outbound type", protocol.ErrUnknownType, msgType)
	}

	s.mu.RLock()
	conn := s.conn
	simulated := s.simulated
	s.mu.RUnlock()

	if simulated {
		s.discarded.Add(1)
		slog.Debug("transport: simulated mode, outbound message discarded", "type", msgType)
		return nil
	}

	if conn == nil || s.State() != StateConnected {
		s.dropped.Add(1)
		slog.Warn("transport: channel not open, dropping message", "type", msgType, "state", s.State())
		return ErrNotConnected
	}

	raw, err := protocol.EncodeEnvelope(msgType, payload)
	if err != nil {
		s.dropped.Add(1)
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		s.dropped.Add(1)
		return fmt.Errorf("write %s failed: %w", msgType, err)
	}

	s.sent.Add(1)
	return nil
}

// SendVideoFrame 发送视频帧，必须是图片data URI
func (s *Session) SendVideoFrame(dataURI string) error {
	if !protocol.IsImageDataURI(dataURI) {
		slog.Error("transport: invalid frame data format")
		return ErrInvalidFrame
	}
	return s.Send(protocol.TypeVideoFrame, dataURI)
}

// SendAudioChunk 发送音频片段
func (s *Session) SendAudioChunk(dataURI string) error {
	if dataURI == "" {
		slog.Error("transport: invalid audio data")
		return ErrEmptyAudio
	}
	return s.Send(protocol.TypeAudioChunk, dataURI)
}

// readLoop 消息读取循环，每个连接一个，保证下行消息顺序
func (s *Session) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(conn, gen, err)
			return
		}

		s.received.Add(1)

		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			s.decodeErrors.Add(1)
			slog.Warn("transport: failed to decode message", "error", err)
			continue
		}

		s.dispatch(env)
	}
}

// dispatch 分发下行消息，ping 自动回复 pong
func (s *Session) dispatch(env *protocol.Envelope) {
	if env.Type == protocol.TypePing {
		if err := s.Send(protocol.TypePong, protocol.PongPayload{Timestamp: time.Now().UTC()}); err != nil {
			slog.Warn("transport: send pong failed", "error", err)
		}
	}

	s.mu.RLock()
	h := s.handlers[env.Type]
	s.mu.RUnlock()

	if h == nil {
		if env.Type != protocol.TypePing {
			slog.Debug("transport: no handler registered", "type", env.Type)
		}
		return
	}
	h(env)
}

// handleClose 处理连接关闭，正常关闭不重连
func (s *Session) handleClose(conn *websocket.Conn, gen uint64, err error) {
	conn.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		s.mu.Lock()
		if s.gen != gen || s.conn != conn {
			s.mu.Unlock()
			return
		}
		s.conn = nil
		old, changed := s.swapState(StateDisconnected)
		s.mu.Unlock()
		s.notify(old, StateDisconnected, changed)
		slog.Info("transport: channel closed by server")
		return
	}

	s.scheduleReconnect(gen, conn, err)
}

// SessionID 当前会话ID
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// State 当前状态
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsConnected 通道是否已打开（真实或模拟）
func (s *Session) IsConnected() bool {
	return s.State().Open()
}

// IsConnecting 是否正在连接
func (s *Session) IsConnecting() bool {
	return s.State() == StateConnecting
}

// IsSimulated 是否处于模拟模式
func (s *Session) IsSimulated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.simulated
}

// Stats 获取通道统计信息
func (s *Session) Stats() Stats {
	s.mu.RLock()
	sessionID, simulated := s.sessionID, s.simulated
	s.mu.RUnlock()

	return Stats{
		State:             s.State().String(),
		SessionID:         sessionID,
		Simulated:         simulated,
		MessagesSent:      s.sent.Load(),
		MessagesReceived:  s.received.Load(),
		MessagesDropped:   s.dropped.Load(),
		MessagesDiscarded: s.discarded.Load(),
		DecodeErrors:      s.decodeErrors.Load(),
		ReconnectAttempts: s.reconnectAttempts.Load(),
		Reconnects:        s.reconnects.Load(),
		SimulatedEvents:   s.simulatedEvents.Load(),
	}
}

// swapState 切换状态，调用方持有 mu
func (s *Session) swapState(newState State) (State, bool) {
	old := State(s.state.Swap(int32(newState)))
	return old, old != newState
}

// notify 在锁外通知状态变化
func (s *Session) notify(oldState, newState State, changed bool) {
	if !changed {
		return
	}
	s.mu.RLock()
	h := s.onStateChange
	s.mu.RUnlock()
	if h != nil {
		h(oldState, newState)
	}
}
