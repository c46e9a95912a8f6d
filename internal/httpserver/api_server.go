package httpserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"DbSessionProfiler/internal/logger"
	"DbSessionProfiler/internal/logsource"
)

// APIServer 会话查询HTTP API服务器
//
// 在配置选定的日志源之上暴露只读查询接口：最近会话、按标识加载、
// 关联标识上下钻取，以及实时计时流WebSocket端点。
type APIServer struct {
	router      *mux.Router
	server      *http.Server
	source      logsource.LogSource
	broadcaster *logger.TimingBroadcaster

	// 统计信息
	requestCount atomic.Int64
	errorCount   atomic.Int64
	startTime    time.Time
}

// APIResponse API响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ServerOption API服务器选项
type ServerOption func(*APIServer)

// WithBroadcaster 挂载实时计时流广播器
func WithBroadcaster(broadcaster *logger.TimingBroadcaster) ServerOption {
	return func(s *APIServer) {
		s.broadcaster = broadcaster
	}
}

// NewAPIServer 创建新的HTTP API服务器
func NewAPIServer(addr string, source logsource.LogSource, opts ...ServerOption) *APIServer {
	server := &APIServer{
		router:    mux.NewRouter(),
		source:    source,
		startTime: time.Now(),
	}

	for _, opt := range opts {
		opt(server)
	}

	server.setupRoutes()

	// 设置CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	server.server = &http.Server{
		Addr:         addr,
		Handler:      c.Handler(server.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// 会话查询
	api.HandleFunc("/sessions/latest", s.latestSessionsHandler).Methods("GET")
	api.HandleFunc("/sessions/drilldown/{correlationId}", s.drillDownHandler).Methods("GET")
	api.HandleFunc("/sessions/drillup/{correlationId}", s.drillUpHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.getSessionHandler).Methods("GET")

	// 服务状态
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")
	s.router.HandleFunc("/healthz", s.healthHandler).Methods("GET")

	// 实时计时流
	if s.broadcaster != nil {
		s.router.HandleFunc("/ws", s.broadcaster.HandleWebSocket)
	}
}

// Start 启动服务器
func (s *APIServer) Start() error {
	log.Printf("🚀 会话查询API服务器启动: %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown 优雅关闭服务器
func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler 获取HTTP处理器（用于测试）
func (s *APIServer) Handler() http.Handler {
	return s.router
}

// latestSessionsHandler 查询最近会话摘要
func (s *APIServer) latestSessionsHandler(w http.ResponseWriter, r *http.Request) {
	top := parseIntParam(r, "top", 20)
	minDurationMs := parseIntParam(r, "min_duration", 0)

	summaries, err := s.source.LoadLatestSessionSummaries(
		r.Context(), top, time.Duration(minDurationMs)*time.Millisecond)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "SOURCE_ERROR", err)
		return
	}

	s.writeSuccess(w, summaries)
}

// getSessionHandler 按会话标识加载完整会话
func (s *APIServer) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	sess, err := s.source.LoadSession(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "SOURCE_ERROR", err)
		return
	}
	if sess == nil {
		s.writeNotFound(w, "会话不存在: "+sessionID)
		return
	}

	s.writeSuccess(w, sess)
}

// drillDownHandler 按关联标识向下钻取
func (s *APIServer) drillDownHandler(w http.ResponseWriter, r *http.Request) {
	correlationID := mux.Vars(r)["correlationId"]

	sess, err := s.source.DrillDownSession(r.Context(), correlationID)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "SOURCE_ERROR", err)
		return
	}
	if sess == nil {
		s.writeNotFound(w, "未找到该关联标识引发的会话: "+correlationID)
		return
	}

	s.writeSuccess(w, sess)
}

// drillUpHandler 按关联标识向上钻取
func (s *APIServer) drillUpHandler(w http.ResponseWriter, r *http.Request) {
	correlationID := mux.Vars(r)["correlationId"]

	sess, err := s.source.DrillUpSession(r.Context(), correlationID)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "SOURCE_ERROR", err)
		return
	}
	if sess == nil {
		s.writeNotFound(w, "未找到产生该关联标识的会话: "+correlationID)
		return
	}

	s.writeSuccess(w, sess)
}

// statsHandler 服务统计信息
func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"request_count":  s.requestCount.Load(),
		"error_count":    s.errorCount.Load(),
	}
	if s.broadcaster != nil {
		stats["feed_clients"] = s.broadcaster.ClientCount()
	}

	s.writeSuccess(w, stats)
}

// healthHandler 健康检查
func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, map[string]string{"status": "ok"})
}

// loggingMiddleware 请求日志中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%v)", r.Method, r.URL.Path, time.Since(start))
	})
}

// metricsMiddleware 请求统计中间件
func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		next.ServeHTTP(w, r)
	})
}

// writeSuccess 写入成功响应
func (s *APIServer) writeSuccess(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// writeNotFound 写入未命中响应（不存在是正常结果，不是错误）
func (s *APIServer) writeNotFound(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusNotFound, APIResponse{
		Success:   false,
		Message:   message,
		Code:      "NOT_FOUND",
		Timestamp: time.Now().Unix(),
	})
}

// writeError 写入错误响应
func (s *APIServer) writeError(w http.ResponseWriter, status int, code string, err error) {
	s.errorCount.Add(1)
	log.Printf("API请求失败 [%s]: %v", code, err)

	s.writeJSON(w, status, APIResponse{
		Success:   false,
		Message:   err.Error(),
		Code:      code,
		Timestamp: time.Now().Unix(),
	})
}

// writeJSON 序列化并写入响应
func (s *APIServer) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("写入响应失败: %v", err)
	}
}

// parseIntParam 解析整数查询参数
func parseIntParam(r *http.Request, name string, defaultValue int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return defaultValue
	}
	return value
}
