package session

import (
	"time"
)

// TimingRecord 一次被测量的数据库操作
//
// StoppedAt 为空表示操作仍在进行中（仅流式读取类操作允许长时间保持打开）。
// Children 由会话重建器按时间区间包含关系填充，存储层本身不保存父子指针。
type TimingRecord struct {
	ID            string            `json:"id"`
	SessionID     string            `json:"session_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Name          string            `json:"name"`
	StartedAt     time.Time         `json:"started_at"`
	StoppedAt     *time.Time        `json:"stopped_at,omitempty"`
	Tags          *TagSet           `json:"tags,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	Children      []*TimingRecord   `json:"children,omitempty"`
}

// Stop 关闭计时记录（已关闭的记录不会被重复关闭）
func (r *TimingRecord) Stop(at time.Time) {
	if r.StoppedAt != nil {
		return
	}
	if at.Before(r.StartedAt) {
		at = r.StartedAt
	}
	stopped := at
	r.StoppedAt = &stopped
}

// IsOpen 检查记录是否仍处于打开状态
func (r *TimingRecord) IsOpen() bool {
	return r.StoppedAt == nil
}

// Duration 获取记录持续时长（打开状态返回0）
func (r *TimingRecord) Duration() time.Duration {
	if r.StoppedAt == nil {
		return 0
	}
	return r.StoppedAt.Sub(r.StartedAt)
}

// SetData 设置附加数据
func (r *TimingRecord) SetData(key, value string) {
	if r.Data == nil {
		r.Data = make(map[string]string)
	}
	r.Data[key] = value
}

// SessionMeta 会话元数据（会话级原始记录）
type SessionMeta struct {
	ID            string        `json:"id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Name          string        `json:"name"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

// Session 完整的会话记录
//
// 一个会话对应一个逻辑工作单元（例如一次Web请求），Timings 已由重建器
// 整理为按时间排序的嵌套树。重建完成后会话是只读的。
type Session struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Name          string          `json:"name"`
	StartedAt     time.Time       `json:"started_at"`
	Duration      time.Duration   `json:"duration"`
	Timings       []*TimingRecord `json:"timings,omitempty"`
	OpenTimingIDs []string        `json:"open_timing_ids,omitempty"`
}

// EndedAt 获取会话结束时间
func (s *Session) EndedAt() time.Time {
	return s.StartedAt.Add(s.Duration)
}

// HasAnomalies 检查会话是否包含未关闭的计时记录
func (s *Session) HasAnomalies() bool {
	return len(s.OpenTimingIDs) > 0
}

// TimingCount 获取会话内计时记录总数（含嵌套）
func (s *Session) TimingCount() int {
	count := 0
	var walk func(records []*TimingRecord)
	walk = func(records []*TimingRecord) {
		for _, r := range records {
			count++
			walk(r.Children)
		}
	}
	walk(s.Timings)
	return count
}

// FlattenTimings 按开始时间顺序展平嵌套的计时记录
func (s *Session) FlattenTimings() []*TimingRecord {
	var flat []*TimingRecord
	var walk func(records []*TimingRecord)
	walk = func(records []*TimingRecord) {
		for _, r := range records {
			flat = append(flat, r)
			walk(r.Children)
		}
	}
	walk(s.Timings)
	sortTimingsByStart(flat)
	return flat
}
