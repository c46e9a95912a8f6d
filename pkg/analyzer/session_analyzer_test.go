package analyzer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DbSessionProfiler/internal/session"
	"DbSessionProfiler/pkg/analyzer"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func rec(id, name string, startMs, stopMs int64) *session.TimingRecord {
	stopped := base.Add(time.Duration(stopMs) * time.Millisecond)
	return &session.TimingRecord{
		ID:        id,
		SessionID: "s1",
		Name:      name,
		StartedAt: base.Add(time.Duration(startMs) * time.Millisecond),
		StoppedAt: &stopped,
	}
}

// nPlusOneSession 一个典型的N+1访问会话：外层读取订单列表，
// 循环内对每个订单重复查询明细
func nPlusOneSession() *session.Session {
	return session.Reconstruct(
		session.SessionMeta{ID: "s1", Name: "GET /orders", StartedAt: base, Duration: 500 * time.Millisecond},
		[]*session.TimingRecord{
			rec("list", "SELECT id FROM orders", 0, 400),
			rec("d1", "SELECT * FROM order_items WHERE order_id = $1", 20, 50),
			rec("d2", "SELECT * FROM order_items WHERE order_id = $1", 60, 90),
			rec("d3", "SELECT * FROM order_items WHERE order_id = $1", 100, 130),
			rec("slow", "UPDATE orders SET viewed_at = now()", 150, 380),
		})
}

func TestFindSlowTimings(t *testing.T) {
	a := analyzer.NewSessionAnalyzer(nPlusOneSession(),
		analyzer.WithSlowThreshold(200*time.Millisecond))

	slow := a.FindSlowTimings()
	require.Len(t, slow, 2)
	// 按时长降序
	assert.Equal(t, "list", slow[0].ID)
	assert.Equal(t, "slow", slow[1].ID)
}

func TestFindDuplicateStatements(t *testing.T) {
	a := analyzer.NewSessionAnalyzer(nPlusOneSession())

	groups := a.FindDuplicateStatements(2)
	require.Len(t, groups, 1)

	group := groups[0]
	assert.Equal(t, "SELECT * FROM order_items WHERE order_id = $1", group.Name)
	assert.Equal(t, 3, group.Count)
	assert.Equal(t, 90*time.Millisecond, group.TotalDuration)
	assert.True(t, group.SameParent, "同父节点的重复语句是N+1嫌疑")
	assert.ElementsMatch(t, []string{"d1", "d2", "d3"}, group.TimingIDs)
}

func TestDuplicatesAcrossParentsNotFlagged(t *testing.T) {
	s := session.Reconstruct(
		session.SessionMeta{ID: "s1", StartedAt: base, Duration: 500 * time.Millisecond},
		[]*session.TimingRecord{
			rec("p1", "BEGIN", 0, 100),
			rec("c1", "SELECT 1", 10, 20),
			rec("p2", "BEGIN2", 200, 300),
			rec("c2", "SELECT 1", 210, 220),
		})

	a := analyzer.NewSessionAnalyzer(s)
	groups := a.FindDuplicateStatements(2)
	require.Len(t, groups, 1)
	assert.False(t, groups[0].SameParent)
}

func TestIdentifyIssues(t *testing.T) {
	s := nPlusOneSession()
	s.OpenTimingIDs = append(s.OpenTimingIDs, "dangling")

	a := analyzer.NewSessionAnalyzer(s, analyzer.WithSlowThreshold(200*time.Millisecond))
	issues := a.IdentifyIssues()

	categories := make(map[string]int)
	severities := make(map[string]int)
	for _, issue := range issues {
		categories[issue.Category]++
		severities[issue.Severity]++
	}

	assert.Equal(t, 2, categories["slow"])
	assert.Equal(t, 1, categories["duplicate"])
	assert.Equal(t, 1, categories["anomaly"])
	assert.GreaterOrEqual(t, severities["high"], 3, "慢操作与N+1均为高危")
}

func TestGenerateReport(t *testing.T) {
	a := analyzer.NewSessionAnalyzer(nPlusOneSession())
	report := a.GenerateReport()

	info, ok := report["session_info"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "s1", info["id"])
	assert.Equal(t, 5, info["timing_count"])

	assert.Contains(t, report, "slow_timings")
	assert.Contains(t, report, "duplicate_statements")
	assert.Contains(t, report, "issues")
}

func TestCleanSessionHasNoIssues(t *testing.T) {
	s := session.Reconstruct(
		session.SessionMeta{ID: "s1", StartedAt: base, Duration: 100 * time.Millisecond},
		[]*session.TimingRecord{rec("only", "SELECT 1", 0, 10)})

	a := analyzer.NewSessionAnalyzer(s)
	assert.Empty(t, a.IdentifyIssues())
}
