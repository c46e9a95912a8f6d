package logsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"DbSessionProfiler/internal/session"
)

// sessionQueryLimit 单个会话计时记录数量上限
const sessionQueryLimit = 10000

// SearchSource 搜索索引日志源
//
// 向配置的搜索端点发送HTTP POST查询文档（Elasticsearch兼容的_search
// 请求体），响应为命中原始记录的结果集。核心不强制重试策略：
// MaxRetries为0时传输错误直接上抛，大于0时按指数退避重试。
type SearchSource struct {
	endpoint   string
	client     *http.Client
	maxRetries int
	reserved   map[string]struct{}
}

// SearchSourceOption 搜索索引日志源选项
type SearchSourceOption func(*SearchSource)

// WithHTTPClient 设置HTTP客户端
func WithHTTPClient(client *http.Client) SearchSourceOption {
	return func(s *SearchSource) {
		if client != nil {
			s.client = client
		}
	}
}

// WithMaxRetries 设置传输失败时的最大重试次数（0表示不重试）
func WithMaxRetries(maxRetries int) SearchSourceOption {
	return func(s *SearchSource) {
		if maxRetries >= 0 {
			s.maxRetries = maxRetries
		}
	}
}

// WithSearchReservedDataKeys 设置不对调用方暴露的数据键
func WithSearchReservedDataKeys(keys []string) SearchSourceOption {
	return func(s *SearchSource) {
		s.reserved = reservedKeySet(keys)
	}
}

// NewSearchSource 创建搜索索引日志源
func NewSearchSource(endpoint string, opts ...SearchSourceOption) (*SearchSource, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("搜索端点不能为空")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("搜索端点无效: %w", err)
	}

	s := &SearchSource{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		reserved: reservedKeySet(DefaultReservedDataKeys),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// LoadLatestSessionSummaries 加载最近的会话摘要
func (s *SearchSource) LoadLatestSessionSummaries(ctx context.Context, top int, minDuration time.Duration) ([]*session.Session, error) {
	if top <= 0 {
		return nil, nil
	}

	query := map[string]interface{}{
		"size": top,
		"query": boolFilter(
			termFilter("type", string(RecordTypeSession)),
			rangeGteFilter("duration", minDuration.Milliseconds()),
		),
		"sort": []interface{}{
			map[string]interface{}{"startedAt": map[string]interface{}{"order": "desc"}},
		},
	}

	records, err := s.search(ctx, query)
	if err != nil {
		return nil, err
	}

	summaries := make([]*session.Session, 0, len(records))
	for _, raw := range records {
		summaries = append(summaries, raw.ToSessionSummary())
	}
	return summaries, nil
}

// LoadSession 加载单个会话并重建嵌套树
func (s *SearchSource) LoadSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if sessionID == "" {
		return nil, nil
	}

	query := map[string]interface{}{
		"size":  sessionQueryLimit,
		"query": boolFilter(termFilter("sessionId", sessionID)),
		"sort": []interface{}{
			map[string]interface{}{"startedAt": map[string]interface{}{"order": "asc"}},
		},
	}

	records, err := s.search(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	var sessionRec *RawRecord
	var timingRecs []*RawRecord
	for _, raw := range records {
		if raw.Type == RecordTypeSession {
			sessionRec = raw
		} else {
			timingRecs = append(timingRecs, raw)
		}
	}

	return reconstructFromRaw(sessionRec, timingRecs, s.reserved), nil
}

// DrillDownSession 按关联标识向下钻取
func (s *SearchSource) DrillDownSession(ctx context.Context, correlationID string) (*session.Session, error) {
	if correlationID == "" {
		return nil, nil
	}

	query := map[string]interface{}{
		"size": 1,
		"query": boolFilter(
			termFilter("type", string(RecordTypeSession)),
			termFilter("correlationId", correlationID),
		),
	}

	return s.loadFirstHitSession(ctx, query)
}

// DrillUpSession 按关联标识向上钻取
func (s *SearchSource) DrillUpSession(ctx context.Context, correlationID string) (*session.Session, error) {
	if correlationID == "" {
		return nil, nil
	}

	query := map[string]interface{}{
		"size": 1,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					termFilter("correlationId", correlationID),
				},
				"must_not": []interface{}{
					termFilter("type", string(RecordTypeSession)),
				},
			},
		},
	}

	return s.loadFirstHitSession(ctx, query)
}

// loadFirstHitSession 执行查询并加载首个命中记录所属的会话
func (s *SearchSource) loadFirstHitSession(ctx context.Context, query map[string]interface{}) (*session.Session, error) {
	records, err := s.search(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return s.LoadSession(ctx, records[0].SessionID)
}

// searchResponse 搜索端点响应结构
type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// search 向搜索端点提交查询文档并解析命中记录
func (s *SearchSource) search(ctx context.Context, query map[string]interface{}) ([]*RawRecord, error) {
	if s.maxRetries <= 0 {
		return s.searchOnce(ctx, query)
	}

	var records []*RawRecord
	operation := func() error {
		var err error
		records, err = s.searchOnce(ctx, query)
		return err
	}

	// 指数退避重试，重试次数由调用方配置决定
	backOff := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.maxRetries)), ctx)
	if err := backoff.Retry(operation, backOff); err != nil {
		return nil, err
	}
	return records, nil
}

// searchOnce 执行单次查询请求
func (s *SearchSource) searchOnce(ctx context.Context, query map[string]interface{}) ([]*RawRecord, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("序列化查询文档失败: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("构造查询请求失败: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("搜索端点请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("搜索端点返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析搜索响应失败: %w", err)
	}

	records := make([]*RawRecord, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		raw := &RawRecord{}
		if err := json.Unmarshal(hit.Source, raw); err != nil {
			// 单条损坏记录不影响整批结果
			continue
		}
		if raw.Validate() != nil {
			continue
		}
		records = append(records, raw)
	}

	return records, nil
}

// boolFilter 构造bool过滤查询
func boolFilter(filters ...interface{}) map[string]interface{} {
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"filter": filters,
		},
	}
}

// termFilter 构造精确匹配过滤条件
func termFilter(field string, value interface{}) map[string]interface{} {
	return map[string]interface{}{
		"term": map[string]interface{}{field: value},
	}
}

// rangeGteFilter 构造下界过滤条件
func rangeGteFilter(field string, gte int64) map[string]interface{} {
	return map[string]interface{}{
		"range": map[string]interface{}{
			field: map[string]interface{}{"gte": gte},
		},
	}
}
