package logsource

import (
	"context"
	"time"

	"DbSessionProfiler/internal/session"
)

// LogSource 只读日志源契约
//
// 三种后端（文件、搜索索引、Postgres）满足同一套读取语义：
//   - 查询结果未命中返回 (nil, nil)，调用方必须把"不存在"当作正常结果；
//   - 单条损坏记录被跳过，不会使整批读取失败；
//   - 传输/IO错误包装后向上传递，由调用方决定是否重试。
//
// 所有读取都是无状态、幂等且并发安全的。
type LogSource interface {
	// LoadLatestSessionSummaries 返回时长不小于minDuration的最近top个
	// 会话摘要（不含计时记录），按时间从新到旧排列
	LoadLatestSessionSummaries(ctx context.Context, top int, minDuration time.Duration) ([]*session.Session, error)

	// LoadSession 加载单个会话的元数据与完整计时记录集并重建嵌套树
	LoadSession(ctx context.Context, sessionID string) (*session.Session, error)

	// DrillDownSession 按关联标识向下钻取：查找自身会话级记录携带该
	// 关联标识的会话（该关联标识引发的会话）
	DrillDownSession(ctx context.Context, correlationID string) (*session.Session, error)

	// DrillUpSession 按关联标识向上钻取：查找计时级记录携带该关联标识
	// 的会话（产生该关联标识对应操作的会话）
	DrillUpSession(ctx context.Context, correlationID string) (*session.Session, error)
}

// reconstructFromRaw 将原始记录集合重建为会话树
//
// 会话级记录缺失时根据计时记录包络合成元数据，保证追加日志被截断后
// 残留的计时记录仍然可读。
func reconstructFromRaw(sessionRec *RawRecord, timingRecs []*RawRecord, reserved map[string]struct{}) *session.Session {
	var meta session.SessionMeta
	if sessionRec != nil {
		meta = sessionRec.ToSessionMeta()
	} else if len(timingRecs) > 0 {
		meta = session.SessionMeta{ID: timingRecs[0].SessionID}
	}

	timings := make([]*session.TimingRecord, 0, len(timingRecs))
	for _, raw := range timingRecs {
		timings = append(timings, raw.ToTimingRecord(reserved))
	}

	return session.Reconstruct(meta, timings)
}
