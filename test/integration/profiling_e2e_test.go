package integration_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DbSessionProfiler/internal/httpserver"
	"DbSessionProfiler/internal/logsource"
	"DbSessionProfiler/internal/profiler"
	"DbSessionProfiler/internal/session"
	"DbSessionProfiler/pkg/analyzer"
)

// TestProfilingEndToEnd 完整闭环：剖析捕获 -> 文件落盘 -> 日志源回读 ->
// 会话树重建 -> HTTP API查询
func TestProfilingEndToEnd(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "profiling.log")

	sink, err := logsource.NewFileSink(logPath)
	require.NoError(t, err)

	filters, err := profiler.NewFilterSetFromSpecs([]profiler.FilterSpec{
		{Kind: "name-contains", Args: "pg_stat"},
	})
	require.NoError(t, err)

	p := profiler.NewProfiler("GET /orders",
		profiler.WithCorrelationID("req-e2e-1"),
		profiler.WithFilterSet(filters),
		profiler.WithSink(sink),
	)
	t.Logf("🚀 会话开始: %s", p.SessionID())

	// 流式读取保持打开，循环内的明细查询落入其时间区间
	rows, err := p.ExecuteAndProfile(profiler.ExecuteReader,
		"SELECT id FROM orders",
		func() (interface{}, error) {
			time.Sleep(5 * time.Millisecond)
			return &struct{ rows int }{rows: 2}, nil
		}, session.NewTagSet("orders"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = p.ExecuteAndProfile(profiler.ExecuteScalar,
			"SELECT detail FROM order_items WHERE order_id = $1",
			func() (interface{}, error) {
				time.Sleep(5 * time.Millisecond)
				return "detail", nil
			}, nil)
		require.NoError(t, err)
	}
	p.NotifyStreamFinished(rows)

	// 被过滤的运维查询
	_, err = p.ExecuteAndProfile(profiler.ExecuteScalar,
		"SELECT count(*) FROM pg_stat_activity",
		func() (interface{}, error) { return int64(1), nil }, nil)
	require.NoError(t, err)

	// 失败操作
	_, execErr := p.ExecuteAndProfile(profiler.ExecuteNonQuery,
		"INSERT INTO audit_log VALUES ($1)",
		func() (interface{}, error) { return nil, errors.New("permission denied") }, nil)
	require.Error(t, execErr)

	p.Stop()
	require.NoError(t, sink.Close())

	// 回读并重建
	source, err := logsource.NewFileSource(logPath)
	require.NoError(t, err)

	sess, err := source.LoadSession(context.Background(), p.SessionID())
	require.NoError(t, err)
	require.NotNil(t, sess)

	assert.Equal(t, "GET /orders", sess.Name)
	assert.Equal(t, "req-e2e-1", sess.CorrelationID)
	assert.Equal(t, 4, sess.TimingCount(), "被过滤的查询不产生记录")
	assert.False(t, sess.HasAnomalies(), "结果流已正常关闭")

	// 读取器是外层节点，两次明细查询嵌套其中
	require.NotEmpty(t, sess.Timings)
	reader := sess.Timings[0]
	assert.Equal(t, "SELECT id FROM orders", reader.Name)
	assert.Len(t, reader.Children, 2)

	// N+1嫌疑被分析器识别
	report := analyzer.NewSessionAnalyzer(sess).GenerateReport()
	assert.Contains(t, report, "duplicate_statements")

	// HTTP API查询同一份数据
	server := httpserver.NewAPIServer(":0", source)
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder,
		httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+p.SessionID(), nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var resp httpserver.APIResponse
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&resp))
	assert.True(t, resp.Success)

	t.Logf("✅ 端到端闭环完成: %d 条计时记录", sess.TimingCount())
}

// TestOpenReaderSurvivesRoundTrip 未关闭的结果流在落盘回读后仍被标记
func TestOpenReaderSurvivesRoundTrip(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "profiling.log")

	sink, err := logsource.NewFileSink(logPath)
	require.NoError(t, err)

	p := profiler.NewProfiler("GET /leak", profiler.WithSink(sink))

	_, err = p.ExecuteAndProfile(profiler.ExecuteReader,
		"SELECT * FROM big_table",
		func() (interface{}, error) { return &struct{}{}, nil }, nil)
	require.NoError(t, err)

	// 结果流从未被释放：记录不落盘，但会话元数据仍然写出
	p.Stop()
	require.NoError(t, sink.Close())
	assert.Equal(t, 1, p.OpenReaderCount())

	source, err := logsource.NewFileSource(logPath)
	require.NoError(t, err)

	sess, err := source.LoadSession(context.Background(), p.SessionID())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, 0, sess.TimingCount(), "未关闭的记录没有被投递")
	assert.Equal(t, "GET /leak", sess.Name)
}
