package logsource

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"DbSessionProfiler/internal/session"
)

// FileSink 追加式文件接收器
//
// 把关闭的计时记录与会话元数据按行追加为JSON原始记录，产出的文件
// 可直接作为 FileSource 的输入。写入持久层本身属于上游职责，该接收
// 器主要服务于演示与测试闭环。
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewFileSink 创建文件接收器
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("文件接收器路径不能为空")
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}

	return &FileSink{file: file, path: path}, nil
}

// OnTimingCompleted 追加关闭的计时记录
func (s *FileSink) OnTimingCompleted(rec *session.TimingRecord) {
	s.append(NewTimingRaw(rec))
}

// OnSessionCompleted 追加会话元数据记录
func (s *FileSink) OnSessionCompleted(meta session.SessionMeta) {
	s.append(NewSessionRaw(meta))
}

// Close 关闭底层文件
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// append 序列化并追加一条记录，失败只记日志不阻断调用方
func (s *FileSink) append(raw *RawRecord) {
	payload, err := json.Marshal(raw)
	if err != nil {
		log.Printf("序列化剖析记录失败: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(append(payload, '\n')); err != nil {
		log.Printf("写入剖析记录失败 %s: %v", s.path, err)
	}
}
