package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager 配置管理器，支持文件变化后自动重新加载
type Manager struct {
	mu           sync.RWMutex
	config       *Config
	v            *viper.Viper
	configPath   string
	watchEnabled bool
	onChange     []func(*Config)
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watchEnabled = enabled
	}
}

// WithChangeHandler 配置重新加载成功后回调
func WithChangeHandler(fn func(*Config)) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.onChange = append(m.onChange, fn)
		}
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 加载配置，已加载时直接返回
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config != nil {
		return m.config, nil
	}

	v := newViper(m.configPath)
	cfg, err := read(v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	m.config = cfg
	m.v = v

	// 启用监控
	if m.watchEnabled {
		m.watch()
	}

	return cfg, nil
}

// Get 获取当前配置（如果未加载则自动加载）
func (m *Manager) Get() (*Config, error) {
	m.mu.RLock()
	if m.config != nil {
		defer m.mu.RUnlock()
		return m.config, nil
	}
	m.mu.RUnlock()

	return m.Load()
}

// Reload 重新读取配置文件，校验失败时保留旧配置
func (m *Manager) Reload() error {
	m.mu.Lock()
	if m.v == nil {
		m.mu.Unlock()
		_, err := m.Load()
		return err
	}

	cfg, err := read(m.v)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("reload config: %w", err)
	}
	m.config = cfg
	handlers := append([]func(*Config){}, m.onChange...)
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(cfg)
	}
	return nil
}

// ConfigFileUsed 实际读取的配置文件，未找到时为空
func (m *Manager) ConfigFileUsed() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.v == nil {
		return ""
	}
	return m.v.ConfigFileUsed()
}

// watch 监控配置文件变化，调用方持有锁
func (m *Manager) watch() {
	if m.v == nil || m.v.ConfigFileUsed() == "" {
		slog.Debug("No config file found, watch disabled")
		return
	}

	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		slog.Info("Config file changed", "file", e.Name, "op", e.Op.String())
		if err := m.Reload(); err != nil {
			slog.Warn("Config reload failed, keeping previous values", "error", err)
		}
	})
	m.v.WatchConfig()
}
