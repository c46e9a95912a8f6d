package config

import (
	"fmt"
	"time"

	"DbSessionProfiler/internal/logsource"
	"DbSessionProfiler/internal/profiler"
)

// 存储后端类型
const (
	BackendFile          = "file"
	BackendElasticsearch = "elasticsearch"
	BackendPostgres      = "postgres"
)

// Config 剖析器统一配置结构
type Config struct {
	Meta     MetaConfig     `yaml:"meta" mapstructure:"meta"`
	Profiler ProfilerConfig `yaml:"profiler" mapstructure:"profiler"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
}

// MetaConfig 配置元信息
type MetaConfig struct {
	Project       string `yaml:"project" mapstructure:"project"`
	ConfigVersion string `yaml:"config_version" mapstructure:"config_version"`
	LastUpdated   string `yaml:"last_updated" mapstructure:"last_updated"`
}

// ProfilerConfig 剖析捕获配置
type ProfilerConfig struct {
	Enabled bool                  `yaml:"enabled" mapstructure:"enabled"`
	Filters []profiler.FilterSpec `yaml:"filters" mapstructure:"filters"`
}

// StorageConfig 日志源存储配置
type StorageConfig struct {
	Backend          string                   `yaml:"backend" mapstructure:"backend"`
	ReservedDataKeys []string                 `yaml:"reserved_data_keys" mapstructure:"reserved_data_keys"`
	File             FileStorageConfig        `yaml:"file" mapstructure:"file"`
	Elasticsearch    ElasticsearchConfig      `yaml:"elasticsearch" mapstructure:"elasticsearch"`
	Postgres         logsource.PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// FileStorageConfig 文件后端配置
type FileStorageConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ElasticsearchConfig 搜索索引后端配置
type ElasticsearchConfig struct {
	Endpoint   string        `yaml:"endpoint" mapstructure:"endpoint"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Addr         string        `yaml:"addr" mapstructure:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Meta: MetaConfig{
			Project:       "DbSessionProfiler",
			ConfigVersion: "1.0",
		},
		Profiler: ProfilerConfig{
			Enabled: true,
		},
		Storage: StorageConfig{
			Backend:          BackendFile,
			ReservedDataKeys: logsource.DefaultReservedDataKeys,
			File: FileStorageConfig{
				Path: "profiling.log",
			},
			Elasticsearch: ElasticsearchConfig{
				Timeout:    30 * time.Second,
				MaxRetries: 0,
			},
			Postgres: *logsource.DefaultPostgresConfig(),
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Validate 验证配置（构造期快速失败）
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.File.Path == "" {
			return fmt.Errorf("文件后端缺少path配置")
		}
	case BackendElasticsearch:
		if c.Storage.Elasticsearch.Endpoint == "" {
			return fmt.Errorf("搜索索引后端缺少endpoint配置")
		}
	case BackendPostgres:
		if c.Storage.Postgres.Host == "" || c.Storage.Postgres.DBName == "" {
			return fmt.Errorf("Postgres后端缺少host/dbname配置")
		}
	default:
		return fmt.Errorf("未知存储后端: %q", c.Storage.Backend)
	}

	for _, spec := range c.Profiler.Filters {
		if _, err := profiler.NewFilter(spec.Kind, spec.Args); err != nil {
			return fmt.Errorf("过滤器配置无效: %w", err)
		}
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("服务地址不能为空")
	}

	return nil
}

// BuildFilterSet 根据配置构造过滤器集合
func (c *Config) BuildFilterSet() (*profiler.FilterSet, error) {
	if !c.Profiler.Enabled {
		disableAll, err := profiler.NewFilter(profiler.FilterKindDisableAll, "")
		if err != nil {
			return nil, err
		}
		return profiler.NewFilterSet(disableAll), nil
	}
	return profiler.NewFilterSetFromSpecs(c.Profiler.Filters)
}
