package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"DbSessionProfiler/internal/logsource"
	"DbSessionProfiler/internal/profiler"
	"DbSessionProfiler/internal/session"
	"DbSessionProfiler/pkg/analyzer"
)

func main() {
	var (
		logPath = flag.String("log", "", "剖析日志输出路径（默认临时目录）")
		replay  = flag.Bool("replay", false, "是否按原始节奏回放会话")
	)
	flag.Parse()

	fmt.Println("🚀 数据库会话剖析演示")
	fmt.Println(strings.Repeat("=", 50))

	path := *logPath
	if path == "" {
		path = filepath.Join(os.TempDir(), fmt.Sprintf("profiling-demo-%d.log", time.Now().Unix()))
	}

	sessionID, err := runProfiledSession(path)
	if err != nil {
		log.Fatalf("演示会话执行失败: %v", err)
	}
	fmt.Printf("📹 剖析日志已写入: %s\n\n", path)

	sess, err := loadSessionBack(path, sessionID)
	if err != nil {
		log.Fatalf("回读会话失败: %v", err)
	}

	fmt.Printf("📊 会话: %s (耗时 %v, %d 条计时记录)\n", sess.Name, sess.Duration, sess.TimingCount())
	printTimingTree(sess.Timings, 0)
	fmt.Println()

	runAnalysis(sess)

	if *replay {
		replaySession(sess)
	}

	fmt.Println("\n✅ 演示完成")
}

// runProfiledSession 模拟一次Web请求的数据库访问并剖析
func runProfiledSession(logPath string) (string, error) {
	sink, err := logsource.NewFileSink(logPath)
	if err != nil {
		return "", err
	}
	defer sink.Close()

	filters, err := profiler.NewFilterSetFromSpecs([]profiler.FilterSpec{
		{Kind: "name-contains", Args: "pg_stat"},
	})
	if err != nil {
		return "", err
	}

	p := profiler.NewProfiler("GET /orders",
		profiler.WithCorrelationID("req-demo-001"),
		profiler.WithFilterSet(filters),
		profiler.WithSink(sink),
	)
	fmt.Printf("🔍 会话开始: %s\n", p.SessionID())

	// 流式读取订单列表，结果集保持打开
	rows, err := p.ExecuteAndProfile(profiler.ExecuteReader,
		"SELECT id, total FROM orders WHERE user_id = $1",
		func() (interface{}, error) {
			time.Sleep(20 * time.Millisecond)
			return &fakeRows{count: 3}, nil
		},
		session.NewTagSet("orders", "read"))
	if err != nil {
		return "", err
	}

	// 逐行消费时对每个订单再查一次明细，制造N+1访问
	for i := 0; i < 3; i++ {
		if _, err := p.ExecuteAndProfile(profiler.ExecuteScalar,
			"SELECT detail FROM order_items WHERE order_id = $1",
			func() (interface{}, error) {
				time.Sleep(15 * time.Millisecond)
				return "detail", nil
			},
			session.NewTagSet("order_items", "read")); err != nil {
			return "", err
		}
	}

	// 结果流释放，父记录在此刻关闭
	p.NotifyStreamFinished(rows)

	// 被过滤器排除的运维查询，不产生计时记录
	if _, err := p.ExecuteAndProfile(profiler.ExecuteScalar,
		"SELECT count(*) FROM pg_stat_activity",
		func() (interface{}, error) { return int64(7), nil },
		nil); err != nil {
		return "", err
	}

	// 慢更新
	if _, err := p.ExecuteAndProfile(profiler.ExecuteNonQuery,
		"UPDATE orders SET viewed_at = now() WHERE user_id = $1",
		func() (interface{}, error) {
			time.Sleep(120 * time.Millisecond)
			return int64(3), nil
		},
		session.NewTagSet("orders", "write")); err != nil {
		return "", err
	}

	// 失败的操作，记录同样落盘并标注错误
	_, execErr := p.ExecuteAndProfile(profiler.ExecuteNonQuery,
		"INSERT INTO audit_log (event) VALUES ($1)",
		func() (interface{}, error) {
			return nil, errors.New("relation \"audit_log\" does not exist")
		},
		session.NewTagSet("audit", "write"))
	if execErr != nil {
		fmt.Printf("⚠️ 操作失败已记录: %v\n", execErr)
	}

	p.Stop()
	fmt.Printf("🧹 会话结束: %+v\n", p.GetStats())
	return p.SessionID(), nil
}

// loadSessionBack 从日志文件回读并重建会话树
func loadSessionBack(path, sessionID string) (*session.Session, error) {
	source, err := logsource.NewFileSource(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := source.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("日志中找不到会话 %s", sessionID)
	}
	return sess, nil
}

// printTimingTree 按嵌套层级打印计时记录
func printTimingTree(records []*session.TimingRecord, depth int) {
	for _, rec := range records {
		status := fmt.Sprintf("%v", rec.Duration())
		if rec.IsOpen() {
			status = "未关闭"
		}
		fmt.Printf("  %s├─ %s (%s)\n", strings.Repeat("  ", depth), rec.Name, status)
		printTimingTree(rec.Children, depth+1)
	}
}

// runAnalysis 运行会话分析并打印问题清单
func runAnalysis(sess *session.Session) {
	a := analyzer.NewSessionAnalyzer(sess,
		analyzer.WithSlowThreshold(100*time.Millisecond))

	issues := a.IdentifyIssues()
	if len(issues) == 0 {
		fmt.Println("✅ 未发现数据访问问题")
		return
	}

	fmt.Printf("🔍 发现 %d 个问题:\n", len(issues))
	for _, issue := range issues {
		fmt.Printf("  [%s] %s — %s\n", issue.Severity, issue.Title, issue.Description)
	}

	assertions := []session.Assertion{
		session.NewMaxDepthAssertion("嵌套深度", "会话嵌套不超过4层", 4),
		session.NewSlowTimingAssertion("慢操作数量", "超过200ms的操作不超过1个", 200*time.Millisecond, 1),
		session.NewOpenTimingAssertion("未关闭记录", "不允许存在未关闭记录", 0),
	}
	for i, r := range session.RunAssertions(sess, assertions...) {
		mark := "✅"
		if !r.Passed {
			mark = "❌"
		}
		fmt.Printf("  %s 断言 %s: %s\n", mark, assertions[i].GetName(), r.Message)
	}
}

// replaySession 按原始节奏回放会话计时流
func replaySession(sess *session.Session) {
	fmt.Println("\n📹 开始回放会话...")

	replayer := session.NewSessionReplayer(sess, &session.ReplayConfig{
		Speed: session.SpeedFast,
	})
	replayer.AddCallback(func(event *session.ReplayEvent) error {
		fmt.Printf("  %s├─ %s\n", strings.Repeat("  ", event.Depth), event.Timing.Name)
		return nil
	})

	if err := replayer.Play(); err != nil {
		log.Printf("回放失败: %v", err)
		return
	}
	replayer.Wait()
	fmt.Printf("📊 回放统计: %+v\n", replayer.GetStats())
}

// fakeRows 模拟数据库结果流句柄
type fakeRows struct {
	count int
}

func (r *fakeRows) Next() bool { r.count--; return r.count >= 0 }
