package logsource

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"DbSessionProfiler/internal/session"
)

// maxLogLineSize 单条日志记录的大小上限（SQL文本可能很长）
const maxLogLineSize = 4 * 1024 * 1024

// FileSource 文件日志源
//
// 读取追加式文本日志，每行一个JSON原始记录，最新记录追加在末尾。
// 最近会话与关联标识查询按从新到旧的顺序反向扫描。
type FileSource struct {
	path         string
	reserved     map[string]struct{}
	skippedCount atomic.Int64
}

// FileSourceOption 文件日志源选项
type FileSourceOption func(*FileSource)

// WithFileReservedDataKeys 设置不对调用方暴露的数据键
func WithFileReservedDataKeys(keys []string) FileSourceOption {
	return func(s *FileSource) {
		s.reserved = reservedKeySet(keys)
	}
}

// NewFileSource 创建文件日志源
func NewFileSource(path string, opts ...FileSourceOption) (*FileSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("文件日志源路径不能为空")
	}

	s := &FileSource{
		path:     path,
		reserved: reservedKeySet(DefaultReservedDataKeys),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// LoadLatestSessionSummaries 加载最近的会话摘要
func (s *FileSource) LoadLatestSessionSummaries(ctx context.Context, top int, minDuration time.Duration) ([]*session.Session, error) {
	if top <= 0 {
		return nil, nil
	}

	records, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}

	minMs := minDuration.Milliseconds()
	var summaries []*session.Session

	// 从文件末尾开始反向扫描，追加日志的末尾即最新记录
	for i := len(records) - 1; i >= 0 && len(summaries) < top; i-- {
		raw := records[i]
		if raw.Type != RecordTypeSession {
			continue
		}
		if raw.DurationMs == nil || *raw.DurationMs < minMs {
			continue
		}
		summaries = append(summaries, raw.ToSessionSummary())
	}

	return summaries, nil
}

// LoadSession 加载单个会话并重建嵌套树
func (s *FileSource) LoadSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if sessionID == "" {
		return nil, nil
	}

	records, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}

	var sessionRec *RawRecord
	var timingRecs []*RawRecord

	for _, raw := range records {
		if raw.SessionID != sessionID {
			continue
		}
		if raw.Type == RecordTypeSession {
			sessionRec = raw
		} else {
			timingRecs = append(timingRecs, raw)
		}
	}

	if sessionRec == nil && len(timingRecs) == 0 {
		return nil, nil
	}

	return reconstructFromRaw(sessionRec, timingRecs, s.reserved), nil
}

// DrillDownSession 按关联标识向下钻取
func (s *FileSource) DrillDownSession(ctx context.Context, correlationID string) (*session.Session, error) {
	return s.drill(ctx, correlationID, true)
}

// DrillUpSession 按关联标识向上钻取
func (s *FileSource) DrillUpSession(ctx context.Context, correlationID string) (*session.Session, error) {
	return s.drill(ctx, correlationID, false)
}

// drill 反向扫描查找携带关联标识的记录并加载其所属会话
func (s *FileSource) drill(ctx context.Context, correlationID string, sessionLevel bool) (*session.Session, error) {
	if correlationID == "" {
		return nil, nil
	}

	records, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}

	for i := len(records) - 1; i >= 0; i-- {
		raw := records[i]
		if raw.CorrelationID != correlationID {
			continue
		}
		if sessionLevel != (raw.Type == RecordTypeSession) {
			continue
		}
		return s.LoadSession(ctx, raw.SessionID)
	}

	return nil, nil
}

// SkippedRecords 获取累计跳过的损坏记录数
func (s *FileSource) SkippedRecords() int64 {
	return s.skippedCount.Load()
}

// readAll 读取并解析全部记录（保持文件顺序），损坏的行被跳过
func (s *FileSource) readAll(ctx context.Context) ([]*RawRecord, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}
	defer file.Close()

	var records []*RawRecord

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLogLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		raw := &RawRecord{}
		if err := json.Unmarshal([]byte(line), raw); err != nil {
			s.skippedCount.Add(1)
			log.Printf("跳过损坏的日志记录 %s:%d: %v", s.path, lineNo, err)
			continue
		}
		if err := raw.Validate(); err != nil {
			s.skippedCount.Add(1)
			log.Printf("跳过无效的日志记录 %s:%d: %v", s.path, lineNo, err)
			continue
		}

		records = append(records, raw)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取日志文件失败: %w", err)
	}

	return records, nil
}
