package session

import (
	"fmt"
	"time"
)

// AssertionResult 断言结果
type AssertionResult struct {
	Passed    bool          `json:"passed"`
	Message   string        `json:"message"`
	Expected  interface{}   `json:"expected,omitempty"`
	Actual    interface{}   `json:"actual,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Assertion 会话断言接口
type Assertion interface {
	Assert(s *Session) *AssertionResult
	GetName() string
	GetDescription() string
}

// MaxDepthAssertion 最大嵌套深度断言
//
// 嵌套过深通常意味着事务内部串联了过多层级的查询。
type MaxDepthAssertion struct {
	Name        string
	Description string
	MaxDepth    int
}

// NewMaxDepthAssertion 创建最大嵌套深度断言
func NewMaxDepthAssertion(name, description string, maxDepth int) *MaxDepthAssertion {
	return &MaxDepthAssertion{
		Name:        name,
		Description: description,
		MaxDepth:    maxDepth,
	}
}

// Assert 执行断言
func (a *MaxDepthAssertion) Assert(s *Session) *AssertionResult {
	start := time.Now()

	depth := maxNestingDepth(s.Timings, 1)
	if depth > a.MaxDepth {
		return &AssertionResult{
			Passed:    false,
			Message:   fmt.Sprintf("Expected nesting depth <= %d, got %d", a.MaxDepth, depth),
			Expected:  a.MaxDepth,
			Actual:    depth,
			Timestamp: time.Now(),
			Duration:  time.Since(start),
		}
	}

	return &AssertionResult{
		Passed:    true,
		Message:   fmt.Sprintf("Nesting depth assertion passed: depth %d <= %d", depth, a.MaxDepth),
		Expected:  a.MaxDepth,
		Actual:    depth,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

// GetName 获取断言名称
func (a *MaxDepthAssertion) GetName() string {
	return a.Name
}

// GetDescription 获取断言描述
func (a *MaxDepthAssertion) GetDescription() string {
	return a.Description
}

// SlowTimingAssertion 慢操作断言
type SlowTimingAssertion struct {
	Name        string
	Description string
	Threshold   time.Duration
	MaxCount    int
}

// NewSlowTimingAssertion 创建慢操作断言
func NewSlowTimingAssertion(name, description string, threshold time.Duration, maxCount int) *SlowTimingAssertion {
	return &SlowTimingAssertion{
		Name:        name,
		Description: description,
		Threshold:   threshold,
		MaxCount:    maxCount,
	}
}

// Assert 执行断言
func (a *SlowTimingAssertion) Assert(s *Session) *AssertionResult {
	start := time.Now()

	var slow []*TimingRecord
	for _, timing := range s.FlattenTimings() {
		if !timing.IsOpen() && timing.Duration() >= a.Threshold {
			slow = append(slow, timing)
		}
	}

	if len(slow) > a.MaxCount {
		return &AssertionResult{
			Passed: false,
			Message: fmt.Sprintf("Expected at most %d timings >= %v, got %d (first: %s)",
				a.MaxCount, a.Threshold, len(slow), slow[0].Name),
			Expected:  a.MaxCount,
			Actual:    len(slow),
			Timestamp: time.Now(),
			Duration:  time.Since(start),
		}
	}

	return &AssertionResult{
		Passed:    true,
		Message:   fmt.Sprintf("Slow timing assertion passed: %d timings >= %v", len(slow), a.Threshold),
		Expected:  a.MaxCount,
		Actual:    len(slow),
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

// GetName 获取断言名称
func (a *SlowTimingAssertion) GetName() string {
	return a.Name
}

// GetDescription 获取断言描述
func (a *SlowTimingAssertion) GetDescription() string {
	return a.Description
}

// OpenTimingAssertion 未关闭记录断言
//
// 存储中残留未关闭的计时记录说明流式读取操作没有收到结束信号。
type OpenTimingAssertion struct {
	Name        string
	Description string
	MaxOpen     int
}

// NewOpenTimingAssertion 创建未关闭记录断言
func NewOpenTimingAssertion(name, description string, maxOpen int) *OpenTimingAssertion {
	return &OpenTimingAssertion{
		Name:        name,
		Description: description,
		MaxOpen:     maxOpen,
	}
}

// Assert 执行断言
func (a *OpenTimingAssertion) Assert(s *Session) *AssertionResult {
	start := time.Now()

	open := len(s.OpenTimingIDs)
	if open > a.MaxOpen {
		return &AssertionResult{
			Passed:    false,
			Message:   fmt.Sprintf("Expected at most %d open timings, got %d", a.MaxOpen, open),
			Expected:  a.MaxOpen,
			Actual:    open,
			Timestamp: time.Now(),
			Duration:  time.Since(start),
		}
	}

	return &AssertionResult{
		Passed:    true,
		Message:   fmt.Sprintf("Open timing assertion passed: %d open timings", open),
		Expected:  a.MaxOpen,
		Actual:    open,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

// GetName 获取断言名称
func (a *OpenTimingAssertion) GetName() string {
	return a.Name
}

// GetDescription 获取断言描述
func (a *OpenTimingAssertion) GetDescription() string {
	return a.Description
}

// RunAssertions 批量执行断言
func RunAssertions(s *Session, assertions ...Assertion) []*AssertionResult {
	results := make([]*AssertionResult, 0, len(assertions))
	for _, assertion := range assertions {
		results = append(results, assertion.Assert(s))
	}
	return results
}

// maxNestingDepth 计算最大嵌套深度
func maxNestingDepth(records []*TimingRecord, depth int) int {
	if len(records) == 0 {
		return depth - 1
	}
	max := depth
	for _, r := range records {
		if d := maxNestingDepth(r.Children, depth+1); d > max {
			max = d
		}
	}
	return max
}
