package profiler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"DbSessionProfiler/internal/session"
)

// TimingSink 计时记录下游接收器
//
// 每条计时记录在关闭时恰好被投递一次；会话结束时投递一次会话元数据。
type TimingSink interface {
	OnTimingCompleted(rec *session.TimingRecord)
	OnSessionCompleted(meta session.SessionMeta)
}

// Profiler 数据库操作剖析器
//
// 包裹每次数据库操作的执行，测量起止时间并产出计时记录。一个剖析器
// 对应一个会话（一个逻辑工作单元）。多个连接可在各自goroutine中并发
// 调用同一个剖析器，打开中的流式读取记录以结果流句柄为键登记在
// 并发安全的映射中。
type Profiler struct {
	sessionID     string
	correlationID string
	sessionName   string
	startedAt     time.Time

	filters *FilterSet
	sinks   []TimingSink

	// 打开中的流式读取记录：流句柄 -> 计时记录
	openReaders sync.Map

	// 统计计数器
	recordedCount atomic.Int64
	excludedCount atomic.Int64
	failedCount   atomic.Int64
	openCount     atomic.Int64

	isActive atomic.Bool
}

// ProfilerOption 剖析器选项
type ProfilerOption func(*Profiler)

// WithCorrelationID 设置跨会话关联标识
func WithCorrelationID(correlationID string) ProfilerOption {
	return func(p *Profiler) {
		p.correlationID = correlationID
	}
}

// WithFilterSet 设置过滤器集合
func WithFilterSet(filters *FilterSet) ProfilerOption {
	return func(p *Profiler) {
		p.filters = filters
	}
}

// WithSink 添加计时记录接收器
func WithSink(sink TimingSink) ProfilerOption {
	return func(p *Profiler) {
		if sink != nil {
			p.sinks = append(p.sinks, sink)
		}
	}
}

// WithSessionID 指定会话标识（默认自动生成UUID）
func WithSessionID(sessionID string) ProfilerOption {
	return func(p *Profiler) {
		p.sessionID = sessionID
	}
}

// NewProfiler 创建新的剖析器并开启会话
func NewProfiler(sessionName string, opts ...ProfilerOption) *Profiler {
	p := &Profiler{
		sessionID:   uuid.NewString(),
		sessionName: sessionName,
		startedAt:   time.Now(),
		filters:     NewFilterSet(),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.isActive.Store(true)
	return p
}

// SessionID 获取会话标识
func (p *Profiler) SessionID() string {
	return p.sessionID
}

// SessionMeta 获取当前会话元数据
func (p *Profiler) SessionMeta() session.SessionMeta {
	meta := session.SessionMeta{
		ID:            p.sessionID,
		CorrelationID: p.correlationID,
		Name:          p.sessionName,
		StartedAt:     p.startedAt,
	}
	if !p.isActive.Load() {
		return meta
	}
	meta.Duration = time.Since(p.startedAt)
	return meta
}

// ExecuteAndProfile 包裹执行一次数据库操作并计时
//
// 过滤器投票排除时直接执行回调，不产生计时记录。流式读取类操作
// （ExecuteReader）的计时记录以执行结果为句柄保持打开，等待
// NotifyStreamFinished；其他类型在回调返回后同步关闭。回调返回错误时
// 记录同样会被关闭并标注错误，然后错误继续向上传递。
func (p *Profiler) ExecuteAndProfile(execType ExecuteType, name string, fn func() (interface{}, error), tags *session.TagSet) (interface{}, error) {
	if fn == nil {
		return nil, nil
	}

	if !p.isActive.Load() || p.filters.ShouldExclude(name, tags) {
		p.excludedCount.Add(1)
		return fn()
	}

	rec := &session.TimingRecord{
		ID:        uuid.NewString(),
		SessionID: p.sessionID,
		Name:      name,
		StartedAt: time.Now(),
		Tags:      tags,
	}
	rec.SetData("executeType", execType.String())

	result, err := fn()
	if err != nil {
		rec.SetData("error", err.Error())
		p.failedCount.Add(1)
		p.closeTiming(rec)
		return result, err
	}

	if execType.IsStreaming() && result != nil {
		p.openReaders.Store(result, rec)
		p.openCount.Add(1)
		return result, nil
	}

	p.closeTiming(rec)
	return result, nil
}

// NotifyStreamFinished 关闭流式读取对应的计时记录
//
// 幂等：重复调用或未知句柄均为空操作。消费方可能多次释放同一个结果
// 流，也可能从未读到数据末尾。
func (p *Profiler) NotifyStreamFinished(streamHandle interface{}) {
	if streamHandle == nil {
		return
	}

	value, loaded := p.openReaders.LoadAndDelete(streamHandle)
	if !loaded {
		return
	}

	rec := value.(*session.TimingRecord)
	p.openCount.Add(-1)
	p.closeTiming(rec)
}

// Stop 结束会话
//
// 会话时长在此刻定格，并向所有接收器投递会话元数据。重复调用为空
// 操作。仍未收到结束信号的流式读取记录保持打开。
func (p *Profiler) Stop() {
	if !p.isActive.CompareAndSwap(true, false) {
		return
	}

	meta := session.SessionMeta{
		ID:            p.sessionID,
		CorrelationID: p.correlationID,
		Name:          p.sessionName,
		StartedAt:     p.startedAt,
		Duration:      time.Since(p.startedAt),
	}

	for _, sink := range p.sinks {
		sink.OnSessionCompleted(meta)
	}
}

// OpenReaderCount 获取仍打开的流式读取记录数量
func (p *Profiler) OpenReaderCount() int {
	return int(p.openCount.Load())
}

// GetStats 获取剖析器统计信息
func (p *Profiler) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"session_id":     p.sessionID,
		"session_name":   p.sessionName,
		"active":         p.isActive.Load(),
		"recorded_count": p.recordedCount.Load(),
		"excluded_count": p.excludedCount.Load(),
		"failed_count":   p.failedCount.Load(),
		"open_readers":   p.openCount.Load(),
	}
}

// closeTiming 关闭计时记录并投递到接收器（每条记录恰好投递一次）
func (p *Profiler) closeTiming(rec *session.TimingRecord) {
	rec.Stop(time.Now())
	p.recordedCount.Add(1)

	for _, sink := range p.sinks {
		sink.OnTimingCompleted(rec)
	}
}
