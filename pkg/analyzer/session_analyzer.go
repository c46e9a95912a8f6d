package analyzer

import (
	"fmt"
	"sort"
	"time"

	"DbSessionProfiler/internal/session"
)

// SessionAnalyzer 会话分析器
//
// 对重建后的会话树做数据访问质量分析：慢操作、重复语句（N+1嫌疑）、
// 未关闭记录，并产出可供展示层使用的报告。
type SessionAnalyzer struct {
	session       *session.Session
	slowThreshold time.Duration
}

// Issue 发现的问题
type Issue struct {
	Severity    string   `json:"severity"` // "critical", "high", "medium", "low"
	Category    string   `json:"category"` // "slow", "duplicate", "anomaly"
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence"`
}

// DuplicateGroup 重复语句分组
type DuplicateGroup struct {
	Name          string        `json:"name"`
	Count         int           `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TimingIDs     []string      `json:"timing_ids"`
	SameParent    bool          `json:"same_parent"`
}

// AnalyzerOption 分析器选项
type AnalyzerOption func(*SessionAnalyzer)

// WithSlowThreshold 设置慢操作阈值
func WithSlowThreshold(threshold time.Duration) AnalyzerOption {
	return func(a *SessionAnalyzer) {
		if threshold > 0 {
			a.slowThreshold = threshold
		}
	}
}

// NewSessionAnalyzer 创建会话分析器
func NewSessionAnalyzer(s *session.Session, opts ...AnalyzerOption) *SessionAnalyzer {
	a := &SessionAnalyzer{
		session:       s,
		slowThreshold: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// FindSlowTimings 查找超过阈值的慢操作，按时长降序排列
func (a *SessionAnalyzer) FindSlowTimings() []*session.TimingRecord {
	var slow []*session.TimingRecord
	for _, timing := range a.session.FlattenTimings() {
		if !timing.IsOpen() && timing.Duration() >= a.slowThreshold {
			slow = append(slow, timing)
		}
	}

	sort.Slice(slow, func(i, j int) bool {
		return slow[i].Duration() > slow[j].Duration()
	})

	return slow
}

// FindDuplicateStatements 查找重复执行的同名语句
//
// 同一条语句在一个会话内反复出现、且出现次数达到minCount时成组返回。
// 同组记录拥有同一个父节点时标记 SameParent，这是典型的N+1访问模式。
func (a *SessionAnalyzer) FindDuplicateStatements(minCount int) []*DuplicateGroup {
	if minCount < 2 {
		minCount = 2
	}

	parents := a.parentIndex()

	groups := make(map[string]*DuplicateGroup)
	for _, timing := range a.session.FlattenTimings() {
		group, exists := groups[timing.Name]
		if !exists {
			group = &DuplicateGroup{Name: timing.Name, SameParent: true}
			groups[timing.Name] = group
		}
		group.Count++
		group.TotalDuration += timing.Duration()
		group.TimingIDs = append(group.TimingIDs, timing.ID)

		if len(group.TimingIDs) > 1 {
			first := parents[group.TimingIDs[0]]
			if parents[timing.ID] != first {
				group.SameParent = false
			}
		}
	}

	var result []*DuplicateGroup
	for _, group := range groups {
		if group.Count >= minCount {
			result = append(result, group)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Count > result[j].Count
	})

	return result
}

// IdentifyIssues 汇总会话内发现的问题
func (a *SessionAnalyzer) IdentifyIssues() []*Issue {
	var issues []*Issue

	for _, timing := range a.FindSlowTimings() {
		issues = append(issues, &Issue{
			Severity: "high",
			Category: "slow",
			Title:    fmt.Sprintf("慢操作: %s", timing.Name),
			Description: fmt.Sprintf("操作耗时 %v，超过阈值 %v",
				timing.Duration(), a.slowThreshold),
			Evidence: []string{timing.ID},
		})
	}

	for _, group := range a.FindDuplicateStatements(2) {
		severity := "medium"
		title := fmt.Sprintf("重复语句: %s", group.Name)
		if group.SameParent {
			severity = "high"
			title = fmt.Sprintf("疑似N+1访问: %s", group.Name)
		}
		issues = append(issues, &Issue{
			Severity: severity,
			Category: "duplicate",
			Title:    title,
			Description: fmt.Sprintf("同一语句执行 %d 次，累计耗时 %v",
				group.Count, group.TotalDuration),
			Evidence: group.TimingIDs,
		})
	}

	for _, id := range a.session.OpenTimingIDs {
		issues = append(issues, &Issue{
			Severity:    "low",
			Category:    "anomaly",
			Title:       "未关闭的计时记录",
			Description: "流式读取操作没有收到结束信号，记录缺少停止时间",
			Evidence:    []string{id},
		})
	}

	return issues
}

// GenerateReport 生成分析报告
func (a *SessionAnalyzer) GenerateReport() map[string]interface{} {
	slow := a.FindSlowTimings()
	duplicates := a.FindDuplicateStatements(2)
	issues := a.IdentifyIssues()

	return map[string]interface{}{
		"session_info": map[string]interface{}{
			"id":             a.session.ID,
			"name":           a.session.Name,
			"correlation_id": a.session.CorrelationID,
			"started_at":     a.session.StartedAt,
			"duration":       a.session.Duration,
			"timing_count":   a.session.TimingCount(),
			"open_timings":   len(a.session.OpenTimingIDs),
		},
		"slow_timings": map[string]interface{}{
			"threshold": a.slowThreshold,
			"count":     len(slow),
			"timings":   slow,
		},
		"duplicate_statements": map[string]interface{}{
			"count":  len(duplicates),
			"groups": duplicates,
		},
		"issues":             issues,
		"analysis_timestamp": time.Now(),
	}
}

// parentIndex 构建计时记录ID到父节点ID的索引（根节点父ID为空串）
func (a *SessionAnalyzer) parentIndex() map[string]string {
	parents := make(map[string]string)
	var walk func(records []*session.TimingRecord, parentID string)
	walk = func(records []*session.TimingRecord, parentID string) {
		for _, r := range records {
			parents[r.ID] = parentID
			walk(r.Children, r.ID)
		}
	}
	walk(a.session.Timings, "")
	return parents
}
