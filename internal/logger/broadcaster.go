package logger

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"DbSessionProfiler/internal/session"
)

// FeedMessage 实时计时流消息结构
type FeedMessage struct {
	Kind       string    `json:"kind"` // "timing" 或 "session"
	SessionID  string    `json:"session_id"`
	Name       string    `json:"name"`
	DurationMs int64     `json:"duration_ms"`
	Open       bool      `json:"open,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TimingBroadcaster 计时记录WebSocket广播器
//
// 作为剖析器接收器使用：每条关闭的计时记录与会话结束事件被实时推送
// 给所有已连接的WebSocket客户端。广播通道满时丢弃消息，捕获路径永远
// 不会被订阅者阻塞。
type TimingBroadcaster struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan FeedMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewTimingBroadcaster 创建新的计时广播器
func NewTimingBroadcaster() *TimingBroadcaster {
	return &TimingBroadcaster{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan FeedMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run 启动广播器主循环
func (tb *TimingBroadcaster) Run() {
	for {
		select {
		case client := <-tb.register:
			tb.mu.Lock()
			tb.clients[client] = true
			tb.mu.Unlock()
			log.Printf("计时流客户端已连接，当前连接数: %d", tb.ClientCount())

		case client := <-tb.unregister:
			tb.mu.Lock()
			if _, ok := tb.clients[client]; ok {
				delete(tb.clients, client)
				client.Close()
			}
			tb.mu.Unlock()
			log.Printf("计时流客户端已断开，当前连接数: %d", tb.ClientCount())

		case message := <-tb.broadcast:
			tb.mu.Lock()
			for client := range tb.clients {
				if err := client.WriteJSON(message); err != nil {
					log.Printf("推送计时消息失败: %v", err)
					delete(tb.clients, client)
					client.Close()
				}
			}
			tb.mu.Unlock()
		}
	}
}

// ClientCount 获取当前连接数
func (tb *TimingBroadcaster) ClientCount() int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return len(tb.clients)
}

// OnTimingCompleted 推送关闭的计时记录（实现剖析器接收器接口）
func (tb *TimingBroadcaster) OnTimingCompleted(rec *session.TimingRecord) {
	msg := FeedMessage{
		Kind:       "timing",
		SessionID:  rec.SessionID,
		Name:       rec.Name,
		DurationMs: rec.Duration().Milliseconds(),
		Open:       rec.IsOpen(),
		Tags:       rec.Tags.Values(),
		Timestamp:  time.Now(),
	}

	select {
	case tb.broadcast <- msg:
	default:
		// 通道满了，丢弃消息避免阻塞捕获路径
	}
}

// OnSessionCompleted 推送会话结束事件（实现剖析器接收器接口）
func (tb *TimingBroadcaster) OnSessionCompleted(meta session.SessionMeta) {
	msg := FeedMessage{
		Kind:       "session",
		SessionID:  meta.ID,
		Name:       meta.Name,
		DurationMs: meta.Duration.Milliseconds(),
		Timestamp:  time.Now(),
	}

	select {
	case tb.broadcast <- msg:
	default:
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// HandleWebSocket 处理WebSocket连接
func (tb *TimingBroadcaster) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket升级失败: %v", err)
		return
	}

	tb.register <- conn

	defer func() {
		tb.unregister <- conn
	}()

	// 保持连接活跃，忽略客户端消息
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket连接错误: %v", err)
			}
			break
		}
	}
}

// 全局广播器实例
var GlobalBroadcaster *TimingBroadcaster

// InitGlobalBroadcaster 初始化全局广播器
func InitGlobalBroadcaster() {
	GlobalBroadcaster = NewTimingBroadcaster()
	go GlobalBroadcaster.Run()
}
