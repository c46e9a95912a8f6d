package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ReplaySpeed 回放速度
type ReplaySpeed float64

const (
	SpeedSlow    ReplaySpeed = 0.5 // 慢速回放
	SpeedNormal  ReplaySpeed = 1.0 // 正常速度
	SpeedFast    ReplaySpeed = 2.0 // 快速回放
	SpeedInstant ReplaySpeed = 0.0 // 瞬间回放（无延迟）
)

// TimingFilter 计时记录过滤器
type TimingFilter struct {
	NameContains string         `json:"name_contains,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	MinDuration  *time.Duration `json:"min_duration,omitempty"`
	IncludeOpen  bool           `json:"include_open"`
}

// ReplayConfig 回放配置
type ReplayConfig struct {
	Speed         ReplaySpeed   `json:"speed"`
	PauseOnError  bool          `json:"pause_on_error"`
	MaxReplayTime time.Duration `json:"max_replay_time"`
	TimingFilter  TimingFilter  `json:"timing_filter"`
}

// ReplayEvent 回放事件
type ReplayEvent struct {
	Timing     *TimingRecord `json:"timing"`
	ReplayTime time.Time     `json:"replay_time"`
	Delay      time.Duration `json:"delay"`
	Depth      int           `json:"depth"`
	Error      error         `json:"error,omitempty"`
}

// ReplayStats 回放统计
type ReplayStats struct {
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	Duration        time.Duration `json:"duration"`
	TotalTimings    int           `json:"total_timings"`
	ReplayedTimings int           `json:"replayed_timings"`
	SkippedTimings  int           `json:"skipped_timings"`
	ErrorTimings    int           `json:"error_timings"`
	PauseCount      int           `json:"pause_count"`
}

// ReplayCallback 回放回调函数
type ReplayCallback func(event *ReplayEvent) error

// SessionReplayer 会话回放器
//
// 将重建后的会话按原始时间顺序重新驱动一遍，用于回归压测或问题重现。
type SessionReplayer struct {
	session   *Session
	config    *ReplayConfig
	callbacks []ReplayCallback
	stats     *ReplayStats
	depths    map[string]int

	// 控制状态
	isPlaying   bool
	isPaused    bool
	currentTime time.Time

	// 同步控制
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	resumeCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSessionReplayer 创建新的会话回放器
func NewSessionReplayer(s *Session, config *ReplayConfig) *SessionReplayer {
	if config == nil {
		config = &ReplayConfig{
			Speed:        SpeedNormal,
			PauseOnError: false,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &SessionReplayer{
		session:   s,
		config:    config,
		callbacks: make([]ReplayCallback, 0),
		stats:     &ReplayStats{},
		depths:    timingDepths(s),
		ctx:       ctx,
		cancel:    cancel,
		resumeCh:  make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
}

// AddCallback 添加回放回调
func (r *SessionReplayer) AddCallback(callback ReplayCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// Play 开始回放
func (r *SessionReplayer) Play() error {
	r.mu.Lock()
	if r.isPlaying {
		r.mu.Unlock()
		return fmt.Errorf("replay is already playing")
	}
	r.isPlaying = true
	r.isPaused = false
	r.currentTime = r.session.StartedAt
	r.stats.StartTime = time.Now()
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.stopOnce.Do(func() { close(r.stopCh) })
		r.replayLoop()
	}()

	return nil
}

// Pause 暂停回放
func (r *SessionReplayer) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isPlaying {
		return fmt.Errorf("replay is not playing")
	}
	if r.isPaused {
		return fmt.Errorf("replay is already paused")
	}

	r.isPaused = true
	r.stats.PauseCount++
	return nil
}

// Resume 恢复回放
func (r *SessionReplayer) Resume() error {
	r.mu.Lock()
	if !r.isPlaying {
		r.mu.Unlock()
		return fmt.Errorf("replay is not playing")
	}
	if !r.isPaused {
		r.mu.Unlock()
		return fmt.Errorf("replay is not paused")
	}
	r.isPaused = false
	r.mu.Unlock()

	select {
	case r.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

// Stop 停止回放
func (r *SessionReplayer) Stop() error {
	r.mu.Lock()
	if !r.isPlaying {
		r.mu.Unlock()
		return nil
	}
	r.isPlaying = false
	r.isPaused = false
	r.stats.EndTime = time.Now()
	r.stats.Duration = r.stats.EndTime.Sub(r.stats.StartTime)
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stopCh) })
	r.cancel()
	return nil
}

// Wait 等待回放完成
func (r *SessionReplayer) Wait() {
	r.wg.Wait()
}

// GetStats 获取回放统计
func (r *SessionReplayer) GetStats() *ReplayStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := *r.stats
	return &stats
}

// IsPlaying 检查是否正在回放
func (r *SessionReplayer) IsPlaying() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isPlaying
}

// IsPaused 检查是否已暂停
func (r *SessionReplayer) IsPaused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isPaused
}

// replayLoop 回放主循环
func (r *SessionReplayer) replayLoop() {
	defer func() {
		r.mu.Lock()
		r.isPlaying = false
		r.stats.EndTime = time.Now()
		r.stats.Duration = r.stats.EndTime.Sub(r.stats.StartTime)
		r.mu.Unlock()
	}()

	timings := r.session.FlattenTimings()

	r.mu.Lock()
	r.stats.TotalTimings = len(timings)
	r.mu.Unlock()

	deadline := time.Time{}
	if r.config.MaxReplayTime > 0 {
		deadline = time.Now().Add(r.config.MaxReplayTime)
	}

	for _, timing := range timings {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return
		}

		if !r.waitWhilePaused() {
			return
		}

		if !r.shouldReplayTiming(timing) {
			r.mu.Lock()
			r.stats.SkippedTimings++
			r.mu.Unlock()
			continue
		}

		delay := r.calculateReplayDelay(timing)

		event := &ReplayEvent{
			Timing:     timing,
			ReplayTime: time.Now(),
			Delay:      delay,
			Depth:      r.depths[timing.ID],
		}

		if err := r.executeCallbacks(event); err != nil {
			event.Error = err
			r.mu.Lock()
			r.stats.ErrorTimings++
			r.mu.Unlock()

			if r.config.PauseOnError {
				r.Pause()
			}
		} else {
			r.mu.Lock()
			r.stats.ReplayedTimings++
			r.mu.Unlock()
		}

		if r.config.Speed > 0 && delay > 0 {
			waitTime := time.Duration(float64(delay) / float64(r.config.Speed))
			select {
			case <-time.After(waitTime):
			case <-r.ctx.Done():
				return
			}
		}
	}
}

// waitWhilePaused 暂停时阻塞等待恢复信号
func (r *SessionReplayer) waitWhilePaused() bool {
	r.mu.RLock()
	paused := r.isPaused
	r.mu.RUnlock()

	if !paused {
		return true
	}

	select {
	case <-r.resumeCh:
		return true
	case <-r.ctx.Done():
		return false
	case <-r.stopCh:
		return false
	}
}

// shouldReplayTiming 检查计时记录是否应被回放
func (r *SessionReplayer) shouldReplayTiming(timing *TimingRecord) bool {
	filter := r.config.TimingFilter

	if timing.IsOpen() && !filter.IncludeOpen {
		return false
	}

	if filter.NameContains != "" &&
		!strings.Contains(strings.ToLower(timing.Name), strings.ToLower(filter.NameContains)) {
		return false
	}

	for _, tag := range filter.Tags {
		if !timing.Tags.Contains(tag) {
			return false
		}
	}

	if filter.MinDuration != nil && timing.Duration() < *filter.MinDuration {
		return false
	}

	return true
}

// calculateReplayDelay 计算回放延迟
func (r *SessionReplayer) calculateReplayDelay(timing *TimingRecord) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentTime.IsZero() {
		r.currentTime = timing.StartedAt
		return 0
	}

	delay := timing.StartedAt.Sub(r.currentTime)
	r.currentTime = timing.StartedAt
	if delay < 0 {
		return 0
	}
	return delay
}

// executeCallbacks 执行回调函数
func (r *SessionReplayer) executeCallbacks(event *ReplayEvent) error {
	r.mu.RLock()
	callbacks := make([]ReplayCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(event); err != nil {
			return err
		}
	}
	return nil
}

// timingDepths 计算每条计时记录的嵌套深度
func timingDepths(s *Session) map[string]int {
	depths := make(map[string]int)
	var walk func(records []*TimingRecord, depth int)
	walk = func(records []*TimingRecord, depth int) {
		for _, r := range records {
			depths[r.ID] = depth
			walk(r.Children, depth+1)
		}
	}
	walk(s.Timings, 0)
	return depths
}
