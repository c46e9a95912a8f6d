package profiler

// ExecuteType 数据库操作执行类型
type ExecuteType uint8

// 执行类型定义 - 用于区分同步结束与流式读取的操作
const (
	ExecuteNonQuery ExecuteType = iota // 无结果集操作（INSERT/UPDATE/DELETE）
	ExecuteScalar                      // 标量查询
	ExecuteReader                      // 流式读取，计时记录延迟关闭
)

// String 将执行类型转换为可读字符串，用于调试和日志
func (t ExecuteType) String() string {
	switch t {
	case ExecuteNonQuery:
		return "NON_QUERY"
	case ExecuteScalar:
		return "SCALAR"
	case ExecuteReader:
		return "READER"
	default:
		return "UNKNOWN"
	}
}

// IsStreaming 检查该执行类型的结果是否为流式读取
//
// 流式读取操作的计时记录保持打开，直到消费方显式调用
// NotifyStreamFinished 为止。
func (t ExecuteType) IsStreaming() bool {
	return t == ExecuteReader
}

// IsValidExecuteType 检查执行类型是否有效
func IsValidExecuteType(t ExecuteType) bool {
	switch t {
	case ExecuteNonQuery, ExecuteScalar, ExecuteReader:
		return true
	default:
		return false
	}
}
