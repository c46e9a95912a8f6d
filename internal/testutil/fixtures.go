package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"DbSessionProfiler/internal/logsource"
)

// BaseTime 测试记录的基准时间
var BaseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// SessionRaw 构造会话级原始记录
func SessionRaw(sessionID string, startOffset, durationMs int64) *logsource.RawRecord {
	return &logsource.RawRecord{
		Type:       logsource.RecordTypeSession,
		ID:         sessionID,
		SessionID:  sessionID,
		Name:       "GET /orders",
		StartedAt:  BaseTime.Add(time.Duration(startOffset) * time.Millisecond),
		DurationMs: &durationMs,
	}
}

// TimingRaw 构造已关闭的计时级原始记录
func TimingRaw(id, sessionID, name string, startOffset, durationMs int64) *logsource.RawRecord {
	return &logsource.RawRecord{
		Type:       logsource.RecordTypeTiming,
		ID:         id,
		SessionID:  sessionID,
		Name:       name,
		StartedAt:  BaseTime.Add(time.Duration(startOffset) * time.Millisecond),
		DurationMs: &durationMs,
	}
}

// OpenTimingRaw 构造未关闭的计时级原始记录
func OpenTimingRaw(id, sessionID, name string, startOffset int64) *logsource.RawRecord {
	return &logsource.RawRecord{
		Type:      logsource.RecordTypeTiming,
		ID:        id,
		SessionID: sessionID,
		Name:      name,
		StartedAt: BaseTime.Add(time.Duration(startOffset) * time.Millisecond),
	}
}

// WriteLogFile 把原始记录按行写入临时日志文件并返回路径
func WriteLogFile(t *testing.T, records ...*logsource.RawRecord) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "profiling.log")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("创建测试日志文件失败: %v", err)
	}
	defer file.Close()

	for _, raw := range records {
		payload, err := json.Marshal(raw)
		if err != nil {
			t.Fatalf("序列化测试记录失败: %v", err)
		}
		if _, err := file.Write(append(payload, '\n')); err != nil {
			t.Fatalf("写入测试记录失败: %v", err)
		}
	}

	return path
}

// AppendLogLine 向日志文件追加一行原始文本（用于构造损坏记录）
func AppendLogLine(t *testing.T, path, line string) {
	t.Helper()

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("打开测试日志文件失败: %v", err)
	}
	defer file.Close()

	if _, err := file.WriteString(line + "\n"); err != nil {
		t.Fatalf("追加测试记录失败: %v", err)
	}
}

// SearchHandler 假搜索端点的查询处理函数
type SearchHandler func(query map[string]interface{}) []*logsource.RawRecord

// NewFakeSearchServer 启动返回ES风格响应的假搜索端点
func NewFakeSearchServer(t *testing.T, handler SearchHandler) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var query map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		records := handler(query)
		hits := make([]map[string]interface{}, 0, len(records))
		for _, raw := range records {
			hits = append(hits, map[string]interface{}{"_source": raw})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"hits": map[string]interface{}{"hits": hits},
		})
	}))

	t.Cleanup(server.Close)
	return server
}
