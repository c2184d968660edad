package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"
)

// Constraints 设备请求约束
type Constraints struct {
	Video      bool
	Audio      bool
	Width      int // 理想宽度
	Height     int // 理想高度
	FacingMode string
}

// DefaultConstraints 返回默认约束：前置摄像头 640x480 + 麦克风
func DefaultConstraints() Constraints {
	return Constraints{
		Video:      true,
		Audio:      true,
		Width:      640,
		Height:     480,
		FacingMode: "user",
	}
}

// Device 摄像头/麦克风设备
//
// Open 在用户授权或设备就绪前阻塞；被拒绝时返回 ErrPermissionDenied、
// ErrNoDevice 或 ErrConstraints。
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream 一次设备授权得到的媒体流
type Stream interface {
	// VideoTrack 视频轨道，无视频时返回nil
	VideoTrack() VideoTrack
	// AudioTrack 音频轨道，无音频时返回nil
	AudioTrack() AudioTrack
	// Stop 停止所有轨道，可重复调用
	Stop()
}

// VideoTrack 视频轨道
type VideoTrack interface {
	// Dimensions 原生分辨率，未知时返回0
	Dimensions() (width, height int)
	// Snapshot 当前帧
	Snapshot() (image.Image, error)
	Stop()
}

// AudioTrack 音频轨道
type AudioTrack interface {
	// Supports 是否支持指定编码格式
	Supports(mime string) bool
	// Record 以timeslice为间隔产出编码片段，返回停止函数
	Record(mime string, timeslice time.Duration, onChunk func([]byte)) (stop func(), err error)
	Stop()
}

var (
	ErrPermissionDenied = errors.New("media: permission denied")
	ErrNoDevice         = errors.New("media: no capture device")
	ErrConstraints      = errors.New("media: constraints cannot be satisfied")
	ErrNotAcquired      = errors.New("media: device not acquired")
	ErrNoVideoTrack     = errors.New("media: stream has no video track")
	ErrNoAudioFormat    = errors.New("media: no supported audio encoding")
	ErrReleased         = errors.New("media: capture released")
)

// DeviceError 设备获取失败，对本次会话是致命错误
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("media: acquire failed: %v", e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
