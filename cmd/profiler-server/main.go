package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"DbSessionProfiler/internal/config"
	"DbSessionProfiler/internal/httpserver"
	"DbSessionProfiler/internal/logger"
	"DbSessionProfiler/internal/logsource"
)

func main() {
	var (
		configPath = flag.String("config", "", "配置文件路径（默认搜索./configs/profiler.yaml）")
		addr       = flag.String("addr", "", "服务地址（覆盖配置文件）")
	)
	flag.Parse()

	logger.InitLogger()

	cm := config.NewConfigManager(
		config.WithConfigPath(*configPath),
		config.WithWatchEnabled(true),
	)

	cfg, err := cm.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source, cleanup, err := buildLogSource(ctx, cfg)
	if err != nil {
		log.Fatalf("构建日志源失败: %v", err)
	}
	defer cleanup()

	logger.InitGlobalBroadcaster()

	serverAddr := cfg.Server.Addr
	if *addr != "" {
		serverAddr = *addr
	}

	server := httpserver.NewAPIServer(serverAddr, source,
		httpserver.WithBroadcaster(logger.GlobalBroadcaster))

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("启动API服务器失败: %v", err)
		}
	}()

	fmt.Printf("✅ 会话查询服务已启动: %s (后端: %s)\n", serverAddr, cfg.Storage.Backend)

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\n🧹 正在关闭服务...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("关闭服务器失败: %v", err)
	}
	fmt.Println("✅ 服务已退出")
}

// buildLogSource 根据配置选择并构建日志源后端
func buildLogSource(ctx context.Context, cfg *config.Config) (logsource.LogSource, func(), error) {
	noop := func() {}
	reserved := cfg.Storage.ReservedDataKeys

	switch cfg.Storage.Backend {
	case config.BackendFile:
		source, err := logsource.NewFileSource(cfg.Storage.File.Path,
			logsource.WithFileReservedDataKeys(reserved))
		return source, noop, err

	case config.BackendElasticsearch:
		es := cfg.Storage.Elasticsearch
		source, err := logsource.NewSearchSource(es.Endpoint,
			logsource.WithHTTPClient(&http.Client{Timeout: es.Timeout}),
			logsource.WithMaxRetries(es.MaxRetries),
			logsource.WithSearchReservedDataKeys(reserved))
		return source, noop, err

	case config.BackendPostgres:
		pool, err := logsource.ConnectPostgres(ctx, &cfg.Storage.Postgres)
		if err != nil {
			return nil, noop, err
		}
		source, err := logsource.NewPostgresSource(pool,
			logsource.WithPostgresReservedDataKeys(reserved))
		if err != nil {
			pool.Close()
			return nil, noop, err
		}
		if err := source.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		return source, pool.Close, nil

	default:
		return nil, noop, fmt.Errorf("未知存储后端: %q", cfg.Storage.Backend)
	}
}
