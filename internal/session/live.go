package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"PresentCoach/internal/feedback"
	"PresentCoach/internal/media"
	"PresentCoach/internal/protocol"
	"PresentCoach/internal/transport"
)

var (
	ErrAlreadyRunning = errors.New("live session already running")
	ErrNotRunning     = errors.New("live session not running")
	ErrNoArchiver     = errors.New("no archiver configured")
	ErrNothingToSave  = errors.New("no session feedback to save")
)

// Archiver 保存会话结果的外部协作者
type Archiver interface {
	Save(ctx context.Context, sessionID string, recordedAt time.Time, fb *feedback.Feedback) error
}

// LiveConfig 实时会话控制器配置
type LiveConfig struct {
	Device    media.Device
	Media     media.Config
	Transport *transport.Config
	Store     *Store   // 为空时新建
	Archiver  Archiver // 可选
}

// LiveStats 采集与通道统计
type LiveStats struct {
	Running   bool            `json:"running"`
	Capture   media.Stats     `json:"capture"`
	Transport transport.Stats `json:"transport"`
}

// Live 实时分析控制器，把采集单元、传输会话和状态存储串起来
//
// 每次 Start 都新建一个采集单元和一个传输会话，Stop 后二者都被释放。
type Live struct {
	cfg   LiveConfig
	store *Store

	mu      sync.Mutex
	capture *media.Capture
	channel *transport.Session

	// 最近一次会话的统计，Stop 后仍可查询
	lastCapture   media.Stats
	lastTransport transport.Stats
}

// NewLive 创建控制器
func NewLive(cfg LiveConfig) *Live {
	if cfg.Device == nil {
		panic("live session requires a media device")
	}
	if cfg.Transport == nil {
		panic("live session requires a transport config")
	}
	store := cfg.Store
	if store == nil {
		store = NewStore()
	}
	return &Live{cfg: cfg, store: store}
}

// Store 状态存储
func (l *Live) Store() *Store {
	return l.store
}

// Running 是否正在录制
func (l *Live) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capture != nil
}

// Start 获取设备、建立通道并开始推送帧和音频
func (l *Live) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.capture != nil {
		return ErrAlreadyRunning
	}

	// 新的一次尝试
	if snap := l.store.Snapshot(); snap.Status.Terminal() || snap.SessionID != "" {
		l.store.ResetSession()
	}

	l.store.SetLoading(true)
	defer l.store.SetLoading(false)

	capture := media.NewCapture(l.cfg.Device, l.cfg.Media)
	if err := capture.Acquire(ctx); err != nil {
		l.store.SetError(fmt.Sprintf("Could not access camera or microphone: %v", err))
		return err
	}

	channel := transport.New(l.cfg.Transport)
	l.bind(channel)

	if err := channel.Connect(ctx); err != nil {
		capture.Release()
		_ = channel.Close()
		l.store.SetError(fmt.Sprintf("Failed to connect to analysis server: %v", err))
		return err
	}

	if err := l.store.SetSessionID(channel.SessionID()); err != nil {
		slog.Warn("Session id not recorded", "error", err)
	}
	if channel.IsSimulated() {
		l.store.SetNotice("Analysis server unavailable, running in simulated mode")
	}
	_ = l.store.SetStatus(StatusRecording)

	err := capture.Start(media.Sinks{
		Frame: func(uri string) {
			if err := channel.SendVideoFrame(uri); err != nil {
				slog.Debug("Video frame not sent", "error", err)
			}
		},
		Audio: func(uri string) {
			if err := channel.SendAudioChunk(uri); err != nil {
				slog.Debug("Audio chunk not sent", "error", err)
			}
		},
		Warning: func(err error) {
			l.store.SetNotice(fmt.Sprintf("Audio unavailable, continuing with video only: %v", err))
		},
	})
	if err != nil {
		capture.Release()
		_ = channel.Close()
		l.store.SetError(fmt.Sprintf("Failed to start capture: %v", err))
		return err
	}

	l.capture = capture
	l.channel = channel
	slog.Info("Live session started",
		"session_id", channel.SessionID(),
		"simulated", channel.IsSimulated(),
	)
	return nil
}

// bind 把通道事件接入状态存储
func (l *Live) bind(channel *transport.Session) {
	channel.RegisterHandler(protocol.TypeFeedback, func(env *protocol.Envelope) {
		ev, err := protocol.DecodeFeedback(env)
		if err != nil {
			slog.Warn("Invalid feedback payload", "error", err)
			return
		}
		if err := l.store.UpdateFeedback(ev); err != nil {
			slog.Warn("Feedback not applied", "error", err)
		}
	})

	channel.RegisterHandler(protocol.TypeError, func(env *protocol.Envelope) {
		var payload protocol.ErrorPayload
		if err := env.DecodeData(&payload); err != nil {
			slog.Warn("Invalid error payload", "error", err)
			return
		}
		if payload.Error == "" {
			payload.Error = "unknown server error"
		}
		l.store.SetError(payload.Error)
	})

	channel.SetStateChangeHandler(func(oldState, newState transport.State) {
		l.store.SetConnection(newState.Open())
	})

	channel.SetConnectionLostHandler(func(err error) {
		l.store.SetNotice(fmt.Sprintf("Disconnected from analysis server: %v", err))
	})
}

// Stop 停止采集、释放设备并断开通道
//
// 缓冲中的音频会在断开前刷新一次。
func (l *Live) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.capture == nil {
		return ErrNotRunning
	}
	capture, channel := l.capture, l.channel
	l.capture, l.channel = nil, nil

	capture.Stop()
	capture.Release()

	err := channel.Disconnect(ctx)
	l.lastCapture = capture.Stats()
	l.lastTransport = channel.Stats()
	_ = channel.Close()

	l.store.SetConnection(false)
	if l.store.Snapshot().Status == StatusRecording {
		_ = l.store.SetStatus(StatusStopped)
	}

	slog.Info("Live session stopped",
		"frames", l.lastCapture.FramesCaptured,
		"audio_flushes", l.lastCapture.AudioFlushes,
		"messages_sent", l.lastTransport.MessagesSent,
	)
	return err
}

// Discard 停止并丢弃本次会话的全部状态
func (l *Live) Discard(ctx context.Context) error {
	if err := l.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		slog.Warn("Stop before discard failed", "error", err)
	}
	l.store.ResetSession()
	return nil
}

// Save 把当前累计反馈交给外部保存
func (l *Live) Save(ctx context.Context) error {
	if l.cfg.Archiver == nil {
		return ErrNoArchiver
	}

	snap := l.store.Snapshot()
	if snap.SessionID == "" || snap.Feedback == nil {
		return ErrNothingToSave
	}

	if err := l.cfg.Archiver.Save(ctx, snap.SessionID, time.Now().UTC(), snap.Feedback); err != nil {
		return fmt.Errorf("save session %s: %w", snap.SessionID, err)
	}
	slog.Info("Live session saved", "session_id", snap.SessionID, "updates", snap.Feedback.Updates)
	return nil
}

// Summary 会话总结
func (l *Live) Summary() feedback.Summary {
	return l.store.Summary()
}

// Stats 当前或最近一次会话的统计
func (l *Live) Stats() LiveStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.capture == nil {
		return LiveStats{Capture: l.lastCapture, Transport: l.lastTransport}
	}
	return LiveStats{
		Running:   true,
		Capture:   l.capture.Stats(),
		Transport: l.channel.Stats(),
	}
}
