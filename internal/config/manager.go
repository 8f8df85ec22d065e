package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeHandler 配置变更回调
type ChangeHandler func(cfg *Config)

// ConfigManager 统一配置管理器
type ConfigManager struct {
	mu           sync.RWMutex
	config       *Config
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
	handlers     []ChangeHandler
	lastErr      error
}

// ConfigManagerOption 配置管理器选项
type ConfigManagerOption func(*ConfigManager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.watchEnabled = enabled
	}
}

// NewConfigManager 创建配置管理器
func NewConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	cm := &ConfigManager{}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Load 加载配置
func (cm *ConfigManager) Load() (*Config, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	config, v, err := loadConfigFromFile(cm.configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	cm.config = config
	cm.viper = v

	// 启用监控（只有实际读到了文件才有意义）
	if cm.watchEnabled && v.ConfigFileUsed() != "" {
		cm.watch()
	}

	return config, nil
}

// Get 获取当前配置（如果未加载则自动加载）
func (cm *ConfigManager) Get() (*Config, error) {
	cm.mu.RLock()
	if cm.config != nil {
		defer cm.mu.RUnlock()
		return cm.config, nil
	}
	cm.mu.RUnlock()

	return cm.Load()
}

// OnChange 注册配置变更回调
func (cm *ConfigManager) OnChange(handler ChangeHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers = append(cm.handlers, handler)
}

// Reload 重新加载配置，校验失败时保留旧配置
func (cm *ConfigManager) Reload() error {
	config, v, err := loadConfigFromFile(cm.configPath)

	cm.mu.Lock()
	if err != nil {
		cm.lastErr = err
		cm.mu.Unlock()
		return fmt.Errorf("重新加载配置失败: %w", err)
	}
	cm.config = config
	if cm.viper == nil {
		cm.viper = v
	}
	cm.lastErr = nil
	handlers := append([]ChangeHandler(nil), cm.handlers...)
	cm.mu.Unlock()

	for _, h := range handlers {
		h(config)
	}
	return nil
}

// LastError 最近一次重新加载的错误
func (cm *ConfigManager) LastError() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.lastErr
}

// ConfigFileUsed 实际使用的配置文件
func (cm *ConfigManager) ConfigFileUsed() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.viper == nil {
		return ""
	}
	return cm.viper.ConfigFileUsed()
}

// watch 监控配置文件变化
func (cm *ConfigManager) watch() {
	cm.viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		_ = cm.Reload()
	})
	cm.viper.WatchConfig()
}

// Summary 配置摘要信息（不含密钥）
func (cm *ConfigManager) Summary() (map[string]interface{}, error) {
	cfg, err := cm.Get()
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"config_file":      cm.ConfigFileUsed(),
		"server_addr":      cfg.Server.Addr,
		"media_path":       cfg.Server.MediaPath,
		"frame_size":       cfg.Relay.FrameSize,
		"queue_size":       cfg.Relay.QueueSize,
		"start_timeout":    cfg.Relay.StartTimeout.String(),
		"session_ttl":      cfg.Relay.SessionTTL.String(),
		"agent_url":        cfg.Agent.URL,
		"agent_key_set":    cfg.Agent.APIKey != "",
		"timezone":         cfg.Calendar.Timezone,
		"database_enabled": cfg.Database.Enabled,
		"redis_enabled":    cfg.Redis.Enabled,
		"grpc_enabled":     cfg.GRPC.Enabled,
		"log_level":        cfg.Logging.Level,
	}, nil
}
