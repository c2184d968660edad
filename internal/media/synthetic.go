package media

import (
	"context"
	"errors"
	"image"
	"image/color"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SyntheticDevice 生成合成画面和音频片段的设备，用于开发和测试
type SyntheticDevice struct {
	// Width/Height 上报的原生分辨率，0表示未知
	Width  int
	Height int
	// AudioFormats 支持的音频编码格式，为空表示无可用格式
	AudioFormats []string
	// OpenErr 不为nil时 Open 直接返回该错误（模拟拒绝授权）
	OpenErr error
	// ChunkSize 每个音频片段的字节数
	ChunkSize int

	opens     atomic.Int32
	active    atomic.Int32
	recorders atomic.Int32
}

// NewSyntheticDevice 创建合成设备
func NewSyntheticDevice(width, height int) *SyntheticDevice {
	return &SyntheticDevice{
		Width:        width,
		Height:       height,
		AudioFormats: []string{"audio/webm;codecs=opus", "audio/wav"},
		ChunkSize:    512,
	}
}

// Open 实现 Device
func (d *SyntheticDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if !c.Video && !c.Audio {
		return nil, ErrConstraints
	}

	d.opens.Add(1)
	d.active.Add(1)

	s := &syntheticStream{device: d, id: uuid.New().String()}
	if c.Video {
		s.video = &syntheticVideo{width: d.Width, height: d.Height}
	}
	if c.Audio {
		s.audio = &syntheticAudio{device: d, formats: d.AudioFormats, chunkSize: d.ChunkSize}
	}

	slog.Debug("synthetic device opened", "stream_id", s.id, "width", d.Width, "height", d.Height)
	return s, nil
}

// Opens 成功打开次数
func (d *SyntheticDevice) Opens() int {
	return int(d.opens.Load())
}

// ActiveStreams 尚未停止的流数量
func (d *SyntheticDevice) ActiveStreams() int {
	return int(d.active.Load())
}

// ActiveRecorders 仍在产出片段的录音数量
func (d *SyntheticDevice) ActiveRecorders() int {
	return int(d.recorders.Load())
}

type syntheticStream struct {
	device *SyntheticDevice
	id     string
	video  *syntheticVideo
	audio  *syntheticAudio
	once   sync.Once
}

func (s *syntheticStream) VideoTrack() VideoTrack {
	if s.video == nil {
		return nil
	}
	return s.video
}

func (s *syntheticStream) AudioTrack() AudioTrack {
	if s.audio == nil {
		return nil
	}
	return s.audio
}

func (s *syntheticStream) Stop() {
	s.once.Do(func() {
		if s.video != nil {
			s.video.Stop()
		}
		if s.audio != nil {
			s.audio.Stop()
		}
		s.device.active.Add(-1)
	})
}

var errTrackEnded = errors.New("track ended")

type syntheticVideo struct {
	width, height int
	seq           atomic.Uint64
	stopped       atomic.Bool
}

func (v *syntheticVideo) Dimensions() (int, int) {
	return v.width, v.height
}

// Snapshot 生成带序号色条的测试画面
func (v *syntheticVideo) Snapshot() (image.Image, error) {
	if v.stopped.Load() {
		return nil, errTrackEnded
	}

	w, h := v.width, v.height
	if w <= 0 || h <= 0 {
		w, h = 320, 240
	}

	seq := v.seq.Add(1)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: uint8(seq * 16),
				A: 0xff,
			})
		}
	}
	return img, nil
}

func (v *syntheticVideo) Stop() {
	v.stopped.Store(true)
}

type syntheticAudio struct {
	device    *SyntheticDevice
	formats   []string
	chunkSize int

	mu      sync.Mutex
	stopChs []chan struct{}
	stopped bool
}

func (a *syntheticAudio) Supports(mime string) bool {
	return slices.Contains(a.formats, mime)
}

// Record 按timeslice产出固定大小的片段
func (a *syntheticAudio) Record(mime string, timeslice time.Duration, onChunk func([]byte)) (func(), error) {
	if !a.Supports(mime) {
		return nil, ErrNoAudioFormat
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil, errTrackEnded
	}
	stopCh := make(chan struct{})
	a.stopChs = append(a.stopChs, stopCh)
	a.mu.Unlock()

	size := a.chunkSize
	if size <= 0 {
		size = 512
	}

	a.device.recorders.Add(1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer a.device.recorders.Add(-1)
		ticker := time.NewTicker(timeslice)
		defer ticker.Stop()

		var n byte
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				n++
				chunk := make([]byte, size)
				for i := range chunk {
					chunk[i] = n
				}
				onChunk(chunk)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.closeCh(stopCh)
			wg.Wait()
		})
	}, nil
}

func (a *syntheticAudio) closeCh(ch chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, c := range a.stopChs {
		if c == ch {
			close(c)
			a.stopChs = append(a.stopChs[:i], a.stopChs[i+1:]...)
			return
		}
	}
}

func (a *syntheticAudio) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for _, c := range a.stopChs {
		close(c)
	}
	a.stopChs = nil
}
