package logsource

import (
	"fmt"
	"time"

	"DbSessionProfiler/internal/session"
)

// RecordType 原始记录类型
type RecordType string

const (
	RecordTypeSession RecordType = "session" // 会话级记录
	RecordTypeTiming  RecordType = "timing"  // 计时级记录
)

// DefaultReservedDataKeys 默认不对调用方暴露的数据键（内部时间戳标记）
var DefaultReservedDataKeys = []string{"__started_ticks", "__stopped_ticks"}

// RawRecord 存储层原始记录（与后端无关的线格式，每个事件一个JSON对象）
//
// duration 以毫秒计；计时记录缺少 duration 字段表示操作未关闭。
type RawRecord struct {
	Type          RecordType        `json:"type"`
	ID            string            `json:"id,omitempty"`
	SessionID     string            `json:"sessionId"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Name          string            `json:"name"`
	StartedAt     time.Time         `json:"startedAt"`
	DurationMs    *int64            `json:"duration,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
}

// Validate 检查原始记录的必填字段
func (r *RawRecord) Validate() error {
	if r.Type != RecordTypeSession && r.Type != RecordTypeTiming {
		return fmt.Errorf("未知记录类型: %q", r.Type)
	}
	if r.SessionID == "" {
		return fmt.Errorf("记录缺少sessionId")
	}
	if r.StartedAt.IsZero() {
		return fmt.Errorf("记录缺少startedAt")
	}
	return nil
}

// ToTimingRecord 转换为计时记录，保留键被从数据映射中剔除
func (r *RawRecord) ToTimingRecord(reserved map[string]struct{}) *session.TimingRecord {
	rec := &session.TimingRecord{
		ID:            r.ID,
		SessionID:     r.SessionID,
		CorrelationID: r.CorrelationID,
		Name:          r.Name,
		StartedAt:     r.StartedAt,
		Tags:          session.NewTagSet(r.Tags...),
	}

	if r.DurationMs != nil {
		stopped := r.StartedAt.Add(time.Duration(*r.DurationMs) * time.Millisecond)
		rec.StoppedAt = &stopped
	}

	for key, value := range r.Data {
		if _, skip := reserved[key]; skip {
			continue
		}
		rec.SetData(key, value)
	}

	return rec
}

// ToSessionMeta 转换为会话元数据
func (r *RawRecord) ToSessionMeta() session.SessionMeta {
	meta := session.SessionMeta{
		ID:            r.SessionID,
		CorrelationID: r.CorrelationID,
		Name:          r.Name,
		StartedAt:     r.StartedAt,
	}
	if r.DurationMs != nil {
		meta.Duration = time.Duration(*r.DurationMs) * time.Millisecond
	}
	return meta
}

// ToSessionSummary 转换为不含计时记录的会话摘要
func (r *RawRecord) ToSessionSummary() *session.Session {
	meta := r.ToSessionMeta()
	return &session.Session{
		ID:            meta.ID,
		CorrelationID: meta.CorrelationID,
		Name:          meta.Name,
		StartedAt:     meta.StartedAt,
		Duration:      meta.Duration,
	}
}

// NewTimingRaw 从计时记录构造原始记录
func NewTimingRaw(rec *session.TimingRecord) *RawRecord {
	raw := &RawRecord{
		Type:          RecordTypeTiming,
		ID:            rec.ID,
		SessionID:     rec.SessionID,
		CorrelationID: rec.CorrelationID,
		Name:          rec.Name,
		StartedAt:     rec.StartedAt,
		Tags:          rec.Tags.Values(),
	}

	if rec.StoppedAt != nil {
		ms := rec.StoppedAt.Sub(rec.StartedAt).Milliseconds()
		raw.DurationMs = &ms
	}

	if len(rec.Data) > 0 {
		raw.Data = make(map[string]string, len(rec.Data))
		for key, value := range rec.Data {
			raw.Data[key] = value
		}
	}

	return raw
}

// NewSessionRaw 从会话元数据构造原始记录
func NewSessionRaw(meta session.SessionMeta) *RawRecord {
	ms := meta.Duration.Milliseconds()
	return &RawRecord{
		Type:          RecordTypeSession,
		ID:            meta.ID,
		SessionID:     meta.ID,
		CorrelationID: meta.CorrelationID,
		Name:          meta.Name,
		StartedAt:     meta.StartedAt,
		DurationMs:    &ms,
	}
}

// reservedKeySet 将保留键列表转换为查找集合
func reservedKeySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return set
}
