package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ConfigManager 统一配置管理器
type ConfigManager struct {
	mu           sync.RWMutex
	config       *Config
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
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

	config, viperInstance, err := cm.loadFromFile()
	if err != nil {
		return nil, fmt.Errorf("加载剖析器配置失败: %w", err)
	}

	cm.config = config
	cm.viper = viperInstance

	if cm.watchEnabled {
		cm.watchConfig()
	}

	return config, nil
}

// Get 获取配置（如果未加载则自动加载）
func (cm *ConfigManager) Get() (*Config, error) {
	cm.mu.RLock()
	if cm.config != nil {
		defer cm.mu.RUnlock()
		return cm.config, nil
	}
	cm.mu.RUnlock()

	return cm.Load()
}

// Reload 重新加载配置
func (cm *ConfigManager) Reload() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	config, viperInstance, err := cm.loadFromFile()
	if err != nil {
		return fmt.Errorf("重新加载剖析器配置失败: %w", err)
	}

	cm.config = config
	cm.viper = viperInstance

	return nil
}

// Validate 验证当前配置
func (cm *ConfigManager) Validate() error {
	config, err := cm.Get()
	if err != nil {
		return fmt.Errorf("剖析器配置验证失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("剖析器配置验证失败: %w", err)
	}

	return nil
}

// GetConfigSummary 获取配置摘要信息
func (cm *ConfigManager) GetConfigSummary() (map[string]interface{}, error) {
	config, err := cm.Get()
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"project":          config.Meta.Project,
		"config_version":   config.Meta.ConfigVersion,
		"last_updated":     config.Meta.LastUpdated,
		"profiler_enabled": config.Profiler.Enabled,
		"filter_count":     len(config.Profiler.Filters),
		"storage_backend":  config.Storage.Backend,
		"server_addr":      config.Server.Addr,
	}, nil
}

// loadFromFile 从文件加载配置
func (cm *ConfigManager) loadFromFile() (*Config, *viper.Viper, error) {
	v := viper.New()

	if cm.configPath != "" {
		v.SetConfigFile(cm.configPath)
	} else {
		v.SetConfigName("profiler")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := DefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, nil, err
	}

	return config, v, nil
}

// watchConfig 监控配置文件变化
func (cm *ConfigManager) watchConfig() {
	if cm.viper == nil {
		return
	}

	cm.viper.WatchConfig()
	cm.viper.OnConfigChange(func(e fsnotify.Event) {
		// 配置文件变化时重新加载
		cm.Reload()
	})
}

// 全局配置管理器实例
var (
	globalConfigManager *ConfigManager
	configManagerOnce   sync.Once
)

// GetGlobalConfigManager 获取全局配置管理器
func GetGlobalConfigManager() *ConfigManager {
	configManagerOnce.Do(func() {
		globalConfigManager = NewConfigManager(
			WithWatchEnabled(true),
		)
	})
	return globalConfigManager
}

// GetGlobalConfig 获取全局配置
func GetGlobalConfig() (*Config, error) {
	return GetGlobalConfigManager().Get()
}
