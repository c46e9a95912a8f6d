package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DbSessionProfiler/internal/config"
	"DbSessionProfiler/internal/profiler"
)

// writeConfigFile 写入临时配置文件并返回路径
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleConfig = `
meta:
  project: "DbSessionProfiler"
  config_version: "1.0"

profiler:
  enabled: true
  filters:
    - kind: "name-contains"
      args: "pg_stat"
    - kind: "tag-equals"
      args: "internal"

storage:
  backend: "elasticsearch"
  elasticsearch:
    endpoint: "http://localhost:9200/profiling/_search"
    timeout: 10s
    max_retries: 3

server:
  addr: ":9090"
`

func TestConfigManagerLoad(t *testing.T) {
	path := writeConfigFile(t, sampleConfig)

	cm := config.NewConfigManager(config.WithConfigPath(path))
	cfg, err := cm.Load()
	require.NoError(t, err)

	assert.Equal(t, "DbSessionProfiler", cfg.Meta.Project)
	assert.Equal(t, config.BackendElasticsearch, cfg.Storage.Backend)
	assert.Equal(t, "http://localhost:9200/profiling/_search", cfg.Storage.Elasticsearch.Endpoint)
	assert.Equal(t, 10*time.Second, cfg.Storage.Elasticsearch.Timeout)
	assert.Equal(t, 3, cfg.Storage.Elasticsearch.MaxRetries)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	require.Len(t, cfg.Profiler.Filters, 2)
	assert.Equal(t, "name-contains", cfg.Profiler.Filters[0].Kind)

	// 未指定的字段保持默认值
	assert.Equal(t, "profiling.log", cfg.Storage.File.Path)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
}

func TestConfigManagerLoadCached(t *testing.T) {
	path := writeConfigFile(t, sampleConfig)

	cm := config.NewConfigManager(config.WithConfigPath(path))
	first, err := cm.Load()
	require.NoError(t, err)

	second, err := cm.Get()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestConfigManagerMissingFile(t *testing.T) {
	cm := config.NewConfigManager(config.WithConfigPath("/nonexistent/profiler.yaml"))
	_, err := cm.Load()
	assert.Error(t, err)
}

func TestConfigValidateUnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "redis"
	assert.Error(t, cfg.Validate())
}

func TestConfigValidateBackendRequirements(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = config.BackendElasticsearch
	cfg.Storage.Elasticsearch.Endpoint = ""
	assert.Error(t, cfg.Validate())

	cfg = config.DefaultConfig()
	cfg.Storage.Backend = config.BackendPostgres
	cfg.Storage.Postgres.Host = ""
	assert.Error(t, cfg.Validate())

	cfg = config.DefaultConfig()
	cfg.Storage.File.Path = ""
	assert.Error(t, cfg.Validate())
}

func TestConfigValidateBadFilterSpec(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Profiler.Filters = []profiler.FilterSpec{{Kind: "no-such-filter"}}
	assert.Error(t, cfg.Validate())
}

func TestBuildFilterSetDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Profiler.Enabled = false

	fs, err := cfg.BuildFilterSet()
	require.NoError(t, err)
	assert.True(t, fs.ShouldExclude("SELECT 1", nil), "剖析关闭时所有操作都被排除")
}

func TestBuildFilterSetFromSpecs(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Profiler.Filters = []profiler.FilterSpec{
		{Kind: profiler.FilterKindNameContains, Args: "pg_stat"},
	}

	fs, err := cfg.BuildFilterSet()
	require.NoError(t, err)
	assert.True(t, fs.ShouldExclude("SELECT * FROM pg_stat_activity", nil))
	assert.False(t, fs.ShouldExclude("SELECT * FROM orders", nil))
}

func TestGetConfigSummary(t *testing.T) {
	path := writeConfigFile(t, sampleConfig)

	cm := config.NewConfigManager(config.WithConfigPath(path))
	summary, err := cm.GetConfigSummary()
	require.NoError(t, err)

	assert.Equal(t, "DbSessionProfiler", summary["project"])
	assert.Equal(t, "elasticsearch", summary["storage_backend"])
	assert.Equal(t, 2, summary["filter_count"])
}

func TestConfigManagerReload(t *testing.T) {
	path := writeConfigFile(t, sampleConfig)

	cm := config.NewConfigManager(config.WithConfigPath(path))
	_, err := cm.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  backend: "file"
  file:
    path: "other.log"
server:
  addr: ":9091"
`), 0o644))

	require.NoError(t, cm.Reload())
	cfg, err := cm.Get()
	require.NoError(t, err)
	assert.Equal(t, config.BackendFile, cfg.Storage.Backend)
	assert.Equal(t, "other.log", cfg.Storage.File.Path)
	assert.Equal(t, ":9091", cfg.Server.Addr)
}
