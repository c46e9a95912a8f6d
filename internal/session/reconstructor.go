package session

import (
	"sort"
	"time"
)

// Reconstruct 会话重建器
//
// 输入同一会话的无序扁平计时记录集合与会话元数据，输出按时间区间包含
// 关系嵌套的会话树。重建器本身无状态，是从记录集合到树的纯函数。
//
// 排序规则：按 StartedAt 升序，StartedAt 相同时 StoppedAt 降序（区间更长
// 的记录作为外层父节点候选），未关闭的记录视为延伸到会话结束。排序是
// 稳定的，相同区间的记录按输入顺序嵌套。
func Reconstruct(meta SessionMeta, records []*TimingRecord) *Session {
	timings := make([]*TimingRecord, 0, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		if meta.ID != "" && r.SessionID != "" && r.SessionID != meta.ID {
			continue
		}
		r.Children = nil
		timings = append(timings, r)
	}

	s := &Session{
		ID:            meta.ID,
		CorrelationID: meta.CorrelationID,
		Name:          meta.Name,
		StartedAt:     meta.StartedAt,
		Duration:      meta.Duration,
	}

	if len(timings) == 0 {
		return s
	}

	sortTimingsByStart(timings)
	fillSessionWindow(s, timings)
	sessionEnd := s.EndedAt()

	// 维护"当前仍打开的祖先"栈：已关闭且早于当前记录开始的祖先出栈，
	// 栈顶即为当前记录的父节点
	var stack []*TimingRecord
	for _, r := range timings {
		if r.IsOpen() {
			s.OpenTimingIDs = append(s.OpenTimingIDs, r.ID)
		}

		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if effectiveStop(top, sessionEnd).Before(r.StartedAt) {
				stack = stack[:len(stack)-1]
				continue
			}
			break
		}

		if len(stack) == 0 {
			s.Timings = append(s.Timings, r)
		} else {
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, r)
		}
		stack = append(stack, r)
	}

	return s
}

// sortTimingsByStart 按开始时间升序、结束时间降序稳定排序
func sortTimingsByStart(timings []*TimingRecord) {
	sort.SliceStable(timings, func(i, j int) bool {
		a, b := timings[i], timings[j]
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		// 未关闭记录视为最晚结束
		switch {
		case a.IsOpen() && b.IsOpen():
			return false
		case a.IsOpen():
			return true
		case b.IsOpen():
			return false
		default:
			return a.StoppedAt.After(*b.StoppedAt)
		}
	})
}

// fillSessionWindow 根据计时记录包络补全会话时间窗口
func fillSessionWindow(s *Session, sorted []*TimingRecord) {
	if s.StartedAt.IsZero() {
		s.StartedAt = sorted[0].StartedAt
	}
	if s.Duration > 0 {
		return
	}

	end := s.StartedAt
	for _, r := range sorted {
		if r.StartedAt.After(end) {
			end = r.StartedAt
		}
		if r.StoppedAt != nil && r.StoppedAt.After(end) {
			end = *r.StoppedAt
		}
	}
	s.Duration = end.Sub(s.StartedAt)
}

// effectiveStop 获取记录的有效结束时间（未关闭记录延伸到会话结束）
func effectiveStop(r *TimingRecord, sessionEnd time.Time) time.Time {
	if r.StoppedAt == nil {
		return sessionEnd
	}
	return *r.StoppedAt
}
