package httpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DbSessionProfiler/internal/httpserver"
	"DbSessionProfiler/internal/logsource"
	"DbSessionProfiler/internal/session"
	"DbSessionProfiler/internal/testutil"
)

// newTestServer 基于文件日志源构建API服务器
func newTestServer(t *testing.T) *httpserver.APIServer {
	t.Helper()

	outerTiming := testutil.TimingRaw("call", "outer", "rpc GetInventory", 50, 120)
	outerTiming.CorrelationID = "rpc-42"
	innerSession := testutil.SessionRaw("inner", 60, 100)
	innerSession.CorrelationID = "rpc-42"

	path := testutil.WriteLogFile(t,
		testutil.SessionRaw("outer", 0, 300),
		testutil.TimingRaw("q1", "outer", "SELECT orders", 10, 40),
		outerTiming,
		innerSession,
		testutil.TimingRaw("q2", "inner", "SELECT inventory", 70, 30),
		testutil.SessionRaw("short", 5000, 20),
	)

	source, err := logsource.NewFileSource(path)
	require.NoError(t, err)

	return httpserver.NewAPIServer(":0", source)
}

// doRequest 执行请求并解析响应封套
func doRequest(t *testing.T, server *httpserver.APIServer, path string) (int, *httpserver.APIResponse) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)

	resp := &httpserver.APIResponse{}
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(resp))
	return recorder.Code, resp
}

// decodeData 将响应数据段解码到目标结构
func decodeData(t *testing.T, resp *httpserver.APIResponse, target interface{}) {
	t.Helper()
	payload, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, target))
}

func TestLatestSessionsEndpoint(t *testing.T) {
	server := newTestServer(t)

	code, resp := doRequest(t, server, "/api/v1/sessions/latest?top=10&min_duration=50")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	var summaries []*session.Session
	decodeData(t, resp, &summaries)

	// 20ms的会话被时长下限过滤，剩余两个从新到旧
	require.Len(t, summaries, 2)
	assert.Equal(t, "inner", summaries[0].ID)
	assert.Equal(t, "outer", summaries[1].ID)
}

func TestGetSessionEndpoint(t *testing.T) {
	server := newTestServer(t)

	code, resp := doRequest(t, server, "/api/v1/sessions/outer")
	assert.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)

	var sess session.Session
	decodeData(t, resp, &sess)
	assert.Equal(t, "outer", sess.ID)
	assert.Equal(t, 2, sess.TimingCount())
}

func TestGetSessionNotFound(t *testing.T) {
	server := newTestServer(t)

	code, resp := doRequest(t, server, "/api/v1/sessions/missing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, resp.Success)
	assert.Equal(t, "NOT_FOUND", resp.Code)
}

func TestDrillEndpoints(t *testing.T) {
	server := newTestServer(t)

	code, resp := doRequest(t, server, "/api/v1/sessions/drilldown/rpc-42")
	assert.Equal(t, http.StatusOK, code)
	var down session.Session
	decodeData(t, resp, &down)
	assert.Equal(t, "inner", down.ID)

	code, resp = doRequest(t, server, "/api/v1/sessions/drillup/rpc-42")
	assert.Equal(t, http.StatusOK, code)
	var up session.Session
	decodeData(t, resp, &up)
	assert.Equal(t, "outer", up.ID)

	code, resp = doRequest(t, server, "/api/v1/sessions/drilldown/rpc-404")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", resp.Code)
}

func TestStatsAndHealthEndpoints(t *testing.T) {
	server := newTestServer(t)

	code, resp := doRequest(t, server, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	code, resp = doRequest(t, server, "/api/v1/stats")
	assert.Equal(t, http.StatusOK, code)

	var stats map[string]interface{}
	decodeData(t, resp, &stats)
	assert.Contains(t, stats, "request_count")
	assert.Contains(t, stats, "uptime_seconds")
}

func TestLatestSessionsBadParamsFallBackToDefaults(t *testing.T) {
	server := newTestServer(t)

	code, resp := doRequest(t, server, "/api/v1/sessions/latest?top=abc&min_duration=-5")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
}

// failingSource 总是返回传输错误的日志源
type failingSource struct{}

func (failingSource) LoadLatestSessionSummaries(context.Context, int, time.Duration) ([]*session.Session, error) {
	return nil, errors.New("search endpoint unreachable")
}

func (failingSource) LoadSession(context.Context, string) (*session.Session, error) {
	return nil, errors.New("search endpoint unreachable")
}

func (failingSource) DrillDownSession(context.Context, string) (*session.Session, error) {
	return nil, errors.New("search endpoint unreachable")
}

func (failingSource) DrillUpSession(context.Context, string) (*session.Session, error) {
	return nil, errors.New("search endpoint unreachable")
}

func TestSourceErrorMapsToBadGateway(t *testing.T) {
	server := httpserver.NewAPIServer(":0", failingSource{})

	code, resp := doRequest(t, server, "/api/v1/sessions/outer")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.False(t, resp.Success)
	assert.Equal(t, "SOURCE_ERROR", resp.Code)
	assert.Contains(t, resp.Message, "unreachable")
}
