package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"PresentCoach/internal/protocol"
)

// State 采集单元状态
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateCapturing
	StateHeld // 暂停采集但仍持有设备
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateCapturing:
		return "CAPTURING"
	case StateHeld:
		return "HELD"
	case StateReleased:
		return "RELEASED"
	default:
		return "UNKNOWN"
	}
}

// Config 采集配置
type Config struct {
	FrameInterval      time.Duration
	AudioFlushInterval time.Duration
	AudioTimeslice     time.Duration
	JPEGQuality        int
	FallbackWidth      int
	FallbackHeight     int
	AudioFormats       []string // 按优先级排列
	Constraints        Constraints
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FrameInterval:      1000 * time.Millisecond,
		AudioFlushInterval: 3000 * time.Millisecond,
		AudioTimeslice:     1000 * time.Millisecond,
		JPEGQuality:        70,
		FallbackWidth:      640,
		FallbackHeight:     480,
		AudioFormats: []string{
			"audio/webm;codecs=opus",
			"audio/webm",
			"audio/ogg;codecs=opus",
			"audio/wav",
		},
		Constraints: DefaultConstraints(),
	}
}

// Sinks 采集输出
type Sinks struct {
	Frame   func(dataURI string)
	Audio   func(dataURI string)
	Warning func(err error) // 非致命降级通知，例如只剩视频
}

// Stats 采集统计
type Stats struct {
	State          string `json:"state"`
	FramesCaptured uint64 `json:"frames_captured"`
	FramesFailed   uint64 `json:"frames_failed"`
	AudioChunks    uint64 `json:"audio_chunks"`
	AudioFlushes   uint64 `json:"audio_flushes"`
	AudioBytes     uint64 `json:"audio_bytes"`
	AudioFormat    string `json:"audio_format,omitempty"`
}

// Capture 媒体采集单元，独占一个设备流
type Capture struct {
	cfg    Config
	device Device

	// runMu 串行化 Start/Stop/Release，mu 只保护字段
	runMu sync.Mutex

	mu            sync.Mutex
	state         State
	stream        Stream
	audioMime     string
	audioBuf      [][]byte
	stopRecording func()
	sinks         Sinks

	// 定时任务控制
	stopCh chan struct{}
	wg     sync.WaitGroup

	framesCaptured atomic.Uint64
	framesFailed   atomic.Uint64
	audioChunks    atomic.Uint64
	audioFlushes   atomic.Uint64
	audioBytes     atomic.Uint64
}

// NewCapture 创建采集单元
func NewCapture(device Device, cfg Config) *Capture {
	if device == nil {
		panic("media device cannot be nil")
	}

	def := DefaultConfig()
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = def.FrameInterval
	}
	if cfg.AudioFlushInterval <= 0 {
		cfg.AudioFlushInterval = def.AudioFlushInterval
	}
	if cfg.AudioTimeslice <= 0 {
		cfg.AudioTimeslice = def.AudioTimeslice
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.FallbackWidth <= 0 || cfg.FallbackHeight <= 0 {
		cfg.FallbackWidth, cfg.FallbackHeight = def.FallbackWidth, def.FallbackHeight
	}
	if len(cfg.AudioFormats) == 0 {
		cfg.AudioFormats = def.AudioFormats
	}
	if !cfg.Constraints.Video && !cfg.Constraints.Audio {
		cfg.Constraints = def.Constraints
	}

	return &Capture{
		cfg:    cfg,
		device: device,
		state:  StateUninitialized,
	}
}

// State 当前状态
func (c *Capture) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AudioFormat 协商得到的音频格式，未启动音频时为空
func (c *Capture) AudioFormat() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioMime
}

// Acquire 请求摄像头和麦克风
//
// 已持有设备时先释放旧的流，保证不会同时存在两次获取。失败时返回 *DeviceError，
// 状态回到 UNINITIALIZED，不会自动重试。
func (c *Capture) Acquire(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateReleased:
		c.mu.Unlock()
		return ErrReleased
	case StateInitializing:
		c.mu.Unlock()
		return errors.New("media: acquire already in progress")
	}
	c.mu.Unlock()

	// 释放旧的流
	c.runMu.Lock()
	c.stopLocked()
	c.mu.Lock()
	if c.state == StateReleased {
		c.mu.Unlock()
		c.runMu.Unlock()
		return ErrReleased
	}
	if c.stream != nil {
		c.stream.Stop()
		c.stream = nil
	}
	c.state = StateInitializing
	c.mu.Unlock()
	c.runMu.Unlock()

	slog.Info("media: requesting camera and microphone",
		"width", c.cfg.Constraints.Width,
		"height", c.cfg.Constraints.Height,
	)

	stream, err := c.device.Open(ctx, c.cfg.Constraints)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if c.state == StateInitializing {
			c.state = StateUninitialized
		}
		slog.Error("media: acquire failed", "error", err)
		return &DeviceError{Err: err}
	}

	// 获取期间被释放
	if c.state == StateReleased {
		stream.Stop()
		return ErrReleased
	}

	c.stream = stream
	c.state = StateReady
	slog.Info("media: device acquired")
	return nil
}

// CaptureFrame 抓取当前视频帧，编码为JPEG data URI
//
// 画布尺寸取视频原生分辨率，未知时使用 640x480。
func (c *Capture) CaptureFrame() (string, error) {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return "", ErrNotAcquired
	}

	track := stream.VideoTrack()
	if track == nil {
		return "", ErrNoVideoTrack
	}

	src, err := track.Snapshot()
	if err != nil {
		return "", fmt.Errorf("snapshot failed: %w", err)
	}

	width, height := track.Dimensions()
	if width <= 0 || height <= 0 {
		width, height = c.cfg.FallbackWidth, c.cfg.FallbackHeight
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), src, src.Bounds().Min, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: c.cfg.JPEGQuality}); err != nil {
		return "", fmt.Errorf("jpeg encode failed: %w", err)
	}

	return protocol.EncodeDataURI(protocol.MimeJPEG, buf.Bytes()), nil
}

// StartAudioCapture 按优先级协商音频格式并开始分段录制
//
// 没有可用格式时返回 ErrNoAudioFormat，调用方应降级为仅视频。
func (c *Capture) StartAudioCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		return ErrNotAcquired
	}
	if c.stopRecording != nil {
		return nil
	}

	track := c.stream.AudioTrack()
	if track == nil {
		return ErrNoAudioFormat
	}

	mime := ""
	for _, f := range c.cfg.AudioFormats {
		if track.Supports(f) {
			mime = f
			break
		}
	}
	if mime == "" {
		return ErrNoAudioFormat
	}

	stop, err := track.Record(mime, c.cfg.AudioTimeslice, c.appendChunk)
	if err != nil {
		return fmt.Errorf("start audio recording failed: %w", err)
	}

	c.audioMime = mime
	c.stopRecording = stop
	slog.Info("media: audio capture started", "format", mime)
	return nil
}

// appendChunk 追加一个编码片段，空片段直接丢弃
func (c *Capture) appendChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	cp := make([]byte, len(chunk))
	copy(cp, chunk)

	c.mu.Lock()
	c.audioBuf = append(c.audioBuf, cp)
	c.mu.Unlock()

	c.audioChunks.Add(1)
	c.audioBytes.Add(uint64(len(cp)))
}

// FlushAudio 将缓冲区内的片段拼接为一个data URI并清空缓冲区
func (c *Capture) FlushAudio() (string, bool) {
	c.mu.Lock()
	if len(c.audioBuf) == 0 || c.audioMime == "" {
		c.mu.Unlock()
		return "", false
	}
	chunks := c.audioBuf
	mime := c.audioMime
	c.audioBuf = nil
	c.mu.Unlock()

	var size int
	for _, ch := range chunks {
		size += len(ch)
	}
	blob := make([]byte, 0, size)
	for _, ch := range chunks {
		blob = append(blob, ch...)
	}

	c.audioFlushes.Add(1)
	return protocol.EncodeDataURI(mime, blob), true
}

// Start 进入采集状态，启动帧定时器和音频刷新定时器
func (c *Capture) Start(sinks Sinks) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.Lock()
	switch c.state {
	case StateCapturing:
		c.mu.Unlock()
		return nil
	case StateReady, StateHeld:
	case StateReleased:
		c.mu.Unlock()
		return ErrReleased
	default:
		c.mu.Unlock()
		return ErrNotAcquired
	}
	c.state = StateCapturing
	c.sinks = sinks
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	if err := c.StartAudioCapture(); err != nil {
		slog.Warn("media: audio unavailable, continuing with video only", "error", err)
		if sinks.Warning != nil {
			sinks.Warning(err)
		}
	}

	c.wg.Add(2)
	go c.frameLoop(stopCh, sinks.Frame)
	go c.flushLoop(stopCh, sinks.Audio)

	return nil
}

// Stop 离开采集状态但保留设备，缓冲中的音频同步刷新一次
func (c *Capture) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.stopLocked()
}

// stopLocked 调用方持有 runMu
func (c *Capture) stopLocked() {
	c.mu.Lock()
	if c.state != StateCapturing {
		c.mu.Unlock()
		return
	}
	close(c.stopCh)
	stopRec := c.stopRecording
	c.stopRecording = nil
	sinks := c.sinks
	c.state = StateHeld
	c.mu.Unlock()

	c.wg.Wait()

	if stopRec != nil {
		stopRec()
	}

	if uri, ok := c.FlushAudio(); ok && sinks.Audio != nil {
		sinks.Audio(uri)
	}
}

// Release 停止全部轨道并清除设备句柄，可重复调用
func (c *Capture) Release() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.stopLocked()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateReleased {
		return
	}
	// 从未获取成功，无需释放
	if c.state == StateUninitialized && c.stream == nil {
		return
	}

	if c.stream != nil {
		c.stream.Stop()
		c.stream = nil
	}
	c.audioBuf = nil
	c.state = StateReleased
	slog.Info("media: device released",
		"frames_captured", c.framesCaptured.Load(),
		"audio_flushes", c.audioFlushes.Load(),
	)
}

// Stats 采集统计
func (c *Capture) Stats() Stats {
	c.mu.Lock()
	state := c.state
	mime := c.audioMime
	c.mu.Unlock()

	return Stats{
		State:          state.String(),
		FramesCaptured: c.framesCaptured.Load(),
		FramesFailed:   c.framesFailed.Load(),
		AudioChunks:    c.audioChunks.Load(),
		AudioFlushes:   c.audioFlushes.Load(),
		AudioBytes:     c.audioBytes.Load(),
		AudioFormat:    mime,
	}
}

// frameLoop 帧采集循环，单帧失败只记录日志
func (c *Capture) frameLoop(stopCh <-chan struct{}, sink func(string)) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			uri, err := c.CaptureFrame()
			if err != nil {
				c.framesFailed.Add(1)
				slog.Warn("media: frame capture failed", "error", err)
				continue
			}
			c.framesCaptured.Add(1)
			if sink != nil {
				sink(uri)
			}
		}
	}
}

// flushLoop 音频刷新循环
func (c *Capture) flushLoop(stopCh <-chan struct{}, sink func(string)) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.AudioFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if uri, ok := c.FlushAudio(); ok && sink != nil {
				sink(uri)
			}
		}
	}
}
