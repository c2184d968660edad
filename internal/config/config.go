package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"PresentCoach/internal/media"
	"PresentCoach/internal/testserver"
	"PresentCoach/internal/transport"
)

// EnvPrefix 环境变量前缀，例如 COACH_SERVER_BASE_URL
const EnvPrefix = "COACH"

// Config 客户端和开发后端的完整配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Live      LiveConfig      `mapstructure:"live"`
	Media     MediaConfig     `mapstructure:"media"`
	DevServer DevServerConfig `mapstructure:"devserver"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig 分析服务端
type ServerConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	AuthToken string `mapstructure:"auth_token"`
}

// LiveConfig 实时通道和采集节奏
type LiveConfig struct {
	ConnectTimeout       time.Duration    `mapstructure:"connect_timeout"`
	HandshakeTimeout     time.Duration    `mapstructure:"handshake_timeout"`
	WriteTimeout         time.Duration    `mapstructure:"write_timeout"`
	ReconnectInterval    time.Duration    `mapstructure:"reconnect_interval"`
	MaxReconnectInterval time.Duration    `mapstructure:"max_reconnect_interval"`
	MaxReconnectAttempts int              `mapstructure:"max_reconnect_attempts"`
	FrameInterval        time.Duration    `mapstructure:"frame_interval"`
	AudioFlushInterval   time.Duration    `mapstructure:"audio_flush_interval"`
	AudioTimeslice       time.Duration    `mapstructure:"audio_timeslice"`
	JPEGQuality          int              `mapstructure:"jpeg_quality"`
	Simulation           SimulationConfig `mapstructure:"simulation"`
}

// SimulationConfig 服务端不可用时的模拟模式
type SimulationConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// MediaConfig 采集设备
type MediaConfig struct {
	Width          int      `mapstructure:"width"`
	Height         int      `mapstructure:"height"`
	FallbackWidth  int      `mapstructure:"fallback_width"`
	FallbackHeight int      `mapstructure:"fallback_height"`
	AudioFormats   []string `mapstructure:"audio_formats"`
}

// DevServerConfig 开发后端
type DevServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	MaxConnections int           `mapstructure:"max_connections"`
	RequireAuth    bool          `mapstructure:"require_auth"`
	DatabaseDSN    string        `mapstructure:"database_dsn"`
}

// LogConfig 日志
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// setDefaultValues 设置默认值
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("server.base_url", "http://localhost:8000")
	v.SetDefault("server.auth_token", "")

	v.SetDefault("live.connect_timeout", "5s")
	v.SetDefault("live.handshake_timeout", "5s")
	v.SetDefault("live.write_timeout", "5s")
	v.SetDefault("live.reconnect_interval", "2s")
	v.SetDefault("live.max_reconnect_interval", "30s")
	v.SetDefault("live.max_reconnect_attempts", 5)
	v.SetDefault("live.frame_interval", "1s")
	v.SetDefault("live.audio_flush_interval", "3s")
	v.SetDefault("live.audio_timeslice", "1s")
	v.SetDefault("live.jpeg_quality", 70)
	v.SetDefault("live.simulation.enabled", true)
	v.SetDefault("live.simulation.interval", "2s")

	v.SetDefault("media.width", 640)
	v.SetDefault("media.height", 480)
	v.SetDefault("media.fallback_width", 640)
	v.SetDefault("media.fallback_height", 480)
	v.SetDefault("media.audio_formats", []string{
		"audio/webm;codecs=opus",
		"audio/webm",
		"audio/ogg;codecs=opus",
		"audio/wav",
	})

	v.SetDefault("devserver.addr", "127.0.0.1:8000")
	v.SetDefault("devserver.ping_interval", "30s")
	v.SetDefault("devserver.max_connections", 100)
	v.SetDefault("devserver.require_auth", true)
	v.SetDefault("devserver.database_dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// newViper 创建带搜索路径、环境变量和默认值的viper实例
func newViper(path string) *viper.Viper {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coach")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)
	return v
}

// read 读取配置文件，文件不存在时使用默认值
func read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load 加载配置，path 为空时按默认路径搜索 coach.yaml
func Load(path string) (*Config, error) {
	return read(newViper(path))
}

// Default 只包含默认值的配置
func Default() *Config {
	var cfg Config
	v := viper.New()
	setDefaultValues(v)
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.base_url must use http or https, got %q", c.Server.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("server.base_url has no host: %q", c.Server.BaseURL)
	}

	durations := map[string]time.Duration{
		"live.connect_timeout":        c.Live.ConnectTimeout,
		"live.handshake_timeout":      c.Live.HandshakeTimeout,
		"live.write_timeout":          c.Live.WriteTimeout,
		"live.reconnect_interval":     c.Live.ReconnectInterval,
		"live.max_reconnect_interval": c.Live.MaxReconnectInterval,
		"live.frame_interval":         c.Live.FrameInterval,
		"live.audio_flush_interval":   c.Live.AudioFlushInterval,
		"live.audio_timeslice":        c.Live.AudioTimeslice,
		"live.simulation.interval":    c.Live.Simulation.Interval,
		"devserver.ping_interval":     c.DevServer.PingInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}

	if c.Live.MaxReconnectInterval < c.Live.ReconnectInterval {
		return fmt.Errorf("live.max_reconnect_interval (%s) is below live.reconnect_interval (%s)",
			c.Live.MaxReconnectInterval, c.Live.ReconnectInterval)
	}
	if c.Live.JPEGQuality < 1 || c.Live.JPEGQuality > 100 {
		return fmt.Errorf("live.jpeg_quality must be within 1-100, got %d", c.Live.JPEGQuality)
	}
	if c.Media.Width < 0 || c.Media.Height < 0 {
		return fmt.Errorf("media dimensions cannot be negative: %dx%d", c.Media.Width, c.Media.Height)
	}
	if c.Media.FallbackWidth <= 0 || c.Media.FallbackHeight <= 0 {
		return fmt.Errorf("media fallback dimensions must be positive: %dx%d",
			c.Media.FallbackWidth, c.Media.FallbackHeight)
	}
	if len(c.Media.AudioFormats) == 0 {
		return errors.New("media.audio_formats cannot be empty")
	}
	if c.DevServer.Addr == "" {
		return errors.New("devserver.addr cannot be empty")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}

	return nil
}

// TransportConfig 转换为传输会话配置
func (c *Config) TransportConfig() *transport.Config {
	tc := transport.DefaultConfig(c.Server.BaseURL)
	tc.ConnectTimeout = c.Live.ConnectTimeout
	tc.HandshakeTimeout = c.Live.HandshakeTimeout
	tc.WriteTimeout = c.Live.WriteTimeout
	tc.ReconnectInterval = c.Live.ReconnectInterval
	tc.MaxReconnectInterval = c.Live.MaxReconnectInterval
	tc.MaxReconnectAttempts = c.Live.MaxReconnectAttempts
	tc.EnableSimulation = c.Live.Simulation.Enabled
	tc.SimulationInterval = c.Live.Simulation.Interval
	return tc
}

// CaptureConfig 转换为采集配置
func (c *Config) CaptureConfig() media.Config {
	mc := media.DefaultConfig()
	mc.FrameInterval = c.Live.FrameInterval
	mc.AudioFlushInterval = c.Live.AudioFlushInterval
	mc.AudioTimeslice = c.Live.AudioTimeslice
	mc.JPEGQuality = c.Live.JPEGQuality
	mc.FallbackWidth = c.Media.FallbackWidth
	mc.FallbackHeight = c.Media.FallbackHeight
	mc.AudioFormats = append([]string(nil), c.Media.AudioFormats...)
	mc.Constraints.Width = c.Media.Width
	mc.Constraints.Height = c.Media.Height
	return mc
}

// BackendConfig 转换为开发后端配置
func (c *Config) BackendConfig() *testserver.ServerConfig {
	sc := testserver.DefaultServerConfig(c.DevServer.Addr)
	sc.PingInterval = c.DevServer.PingInterval
	sc.MaxConnections = c.DevServer.MaxConnections
	sc.RequireAuth = c.DevServer.RequireAuth
	return sc
}
