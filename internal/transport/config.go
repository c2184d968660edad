package transport

import (
	"net/http"
	"time"
)

// Config 传输会话配置
type Config struct {
	// APIBaseURL 服务端地址，例如 http://127.0.0.1:8000
	APIBaseURL string

	ConnectTimeout       time.Duration // 引导+拨号总超时
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	ReconnectInterval    time.Duration // 首次重连延迟
	MaxReconnectInterval time.Duration
	MaxReconnectAttempts int // 连续异常关闭达到该次数后放弃，实际重拨次数比它少一次

	// EnableSimulation 引导失败时切换到模拟模式
	EnableSimulation   bool
	SimulationInterval time.Duration

	UserAgent  string
	HTTPClient *http.Client
}

// DefaultConfig 返回默认配置
func DefaultConfig(baseURL string) *Config {
	return &Config{
		APIBaseURL:           baseURL,
		ConnectTimeout:       5 * time.Second,
		HandshakeTimeout:     5 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReconnectInterval:    2 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		MaxReconnectAttempts: 5,
		EnableSimulation:     true,
		SimulationInterval:   2 * time.Second,
		UserAgent:            "PresentCoach/1.0",
	}
}

// withDefaults 补全未设置的字段
func (c Config) withDefaults() Config {
	def := DefaultConfig(c.APIBaseURL)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = def.ReconnectInterval
	}
	if c.MaxReconnectInterval < c.ReconnectInterval {
		c.MaxReconnectInterval = max(def.MaxReconnectInterval, c.ReconnectInterval)
	}
	// 0 取默认值，负数表示不重连
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	} else if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.SimulationInterval <= 0 {
		c.SimulationInterval = def.SimulationInterval
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.ConnectTimeout}
	}
	return c
}
