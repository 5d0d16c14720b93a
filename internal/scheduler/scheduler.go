package scheduler

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trendlens/trendlens/internal/config"
	"github.com/trendlens/trendlens/internal/logger"
)

// Callback 每次轮询触发时执行的回调，由 Worker 注入
type Callback func(tier int, sources []config.SourceConfig) error

// Job 一个 tier 的轮询单元。所有状态变更都持有调度器锁，
// timer 只在这里创建和取消，保证测试中可以确定性地停掉。
type Job struct {
	Tier     int
	Sources  []config.SourceConfig
	Interval time.Duration

	active     bool
	lastRun    time.Time
	nextRun    time.Time
	retryCount int
	timer      *time.Timer
}

// JobStatus 对外暴露的 job 快照
type JobStatus struct {
	Tier        int           `json:"tier"`
	SourceCount int           `json:"sourceCount"`
	Interval    time.Duration `json:"interval"`
	Active      bool          `json:"active"`
	LastRun     time.Time     `json:"lastRun,omitempty"`
	NextRun     time.Time     `json:"nextRun,omitempty"`
	RetryCount  int           `json:"retryCount"`
}

// Scheduler 把数据源按 tier 分组，每个 tier 一个独立的循环定时器。
// 各 tier 互不影响：慢源只拖慢自己所在 tier 的周期。
type Scheduler struct {
	cfg      config.SchedulerConfig
	callback Callback

	mu   sync.Mutex
	jobs map[int]*Job
	// wg 追踪在途的回调执行；Add 只在持锁且确认 job 活跃后发生，
	// 保证 StopAll 的 Wait 不会与新增并发
	wg sync.WaitGroup

	log *zap.SugaredLogger
}

// New 按 tier 分组建立 job；回调通过 SetCallback 注入后才能启动
func New(cfg config.SchedulerConfig, sources []config.SourceConfig) *Scheduler {
	s := &Scheduler{
		cfg:  cfg,
		jobs: make(map[int]*Job),
		log:  logger.Get(),
	}
	for tier, group := range config.GroupByTier(sources) {
		s.jobs[tier] = &Job{
			Tier:     tier,
			Sources:  group,
			Interval: cfg.TierInterval(tier),
		}
	}
	return s
}

// SetCallback 注入轮询回调
func (s *Scheduler) SetCallback(fn Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = fn
}

// StartAll 启动全部 job：立即执行一轮，之后按 interval ± jitter 循环。
// 对已启动的 job 是 no-op。
func (s *Scheduler) StartAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.callback == nil {
		return fmt.Errorf("scheduler: callback not set")
	}

	for _, job := range s.jobs {
		if job.active {
			continue
		}
		job.active = true
		job.retryCount = 0
		s.log.Infow("job started", "tier", job.Tier, "sources", len(job.Sources), "interval", job.Interval)

		go s.execute(job)
	}
	return nil
}

// StopAll 停止全部 job 并等待在途执行结束。对已停止的 job 是 no-op。
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	for _, job := range s.jobs {
		if !job.active {
			continue
		}
		job.active = false
		if job.timer != nil {
			job.timer.Stop()
			job.timer = nil
		}
		job.nextRun = time.Time{}
		s.log.Infow("job stopped", "tier", job.Tier)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// ForceRun 立即执行一次指定 tier 的轮询，不影响既有的定时节奏
func (s *Scheduler) ForceRun(tier int) error {
	s.mu.Lock()
	job, ok := s.jobs[tier]
	fn := s.callback
	if ok && fn != nil {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("scheduler: no job for tier %d", tier)
	}
	if fn == nil {
		return fmt.Errorf("scheduler: callback not set")
	}

	go func() {
		defer s.wg.Done()
		if err := fn(job.Tier, job.Sources); err != nil {
			s.log.Errorw("forced run failed", "tier", job.Tier, "err", err)
		}
		s.mu.Lock()
		job.lastRun = time.Now()
		s.mu.Unlock()
	}()
	return nil
}

// Status 返回全部 job 的快照，按 tier 升序
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, JobStatus{
			Tier:        job.Tier,
			SourceCount: len(job.Sources),
			Interval:    job.Interval,
			Active:      job.active,
			LastRun:     job.lastRun,
			NextRun:     job.nextRun,
			RetryCount:  job.retryCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out
}

// execute 执行一轮回调并安排下一次触发。
// 失败时按 retryDelay × 次数做线性退避，最多 maxRetries 次，
// 之后放弃本轮，等待下一个常规 tick。
func (s *Scheduler) execute(job *Job) {
	s.mu.Lock()
	if !job.active {
		s.mu.Unlock()
		return
	}
	fn := s.callback
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	err := s.safeRun(fn, job)

	s.mu.Lock()
	job.lastRun = time.Now()
	s.mu.Unlock()

	if err == nil {
		s.mu.Lock()
		job.retryCount = 0
		s.mu.Unlock()
		s.scheduleNext(job, s.jitteredInterval(job.Interval))
		return
	}

	s.mu.Lock()
	job.retryCount++
	attempt := job.retryCount
	s.mu.Unlock()

	if attempt <= s.cfg.MaxRetries {
		delay := time.Duration(attempt) * s.cfg.RetryDelay
		s.log.Warnw("job failed, scheduling retry", "tier", job.Tier, "attempt", attempt, "delay", delay, "err", err)
		s.scheduleNext(job, delay)
		return
	}

	s.log.Errorw("job failed, retries exhausted, waiting for next tick", "tier", job.Tier, "err", err)
	s.mu.Lock()
	job.retryCount = 0
	s.mu.Unlock()
	s.scheduleNext(job, s.jitteredInterval(job.Interval))
}

// safeRun 把回调 panic 转成 error，避免一个 tier 拖垮整个进程
func (s *Scheduler) safeRun(fn Callback, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: tier %d callback panicked: %v", job.Tier, r)
		}
	}()
	return fn(job.Tier, job.Sources)
}

// scheduleNext 安排下一次触发；job 已停止时不再续期
func (s *Scheduler) scheduleNext(job *Job, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !job.active {
		return
	}
	job.nextRun = time.Now().Add(delay)
	job.timer = time.AfterFunc(delay, func() { s.execute(job) })
}

// jitteredInterval 对基准间隔施加 ± JitterPct 的随机扰动，
// 避免各 tier 的定时器同步触发造成负载尖峰
func (s *Scheduler) jitteredInterval(base time.Duration) time.Duration {
	if s.cfg.JitterPct <= 0 {
		return base
	}
	offset := (rand.Float64()*2 - 1) * s.cfg.JitterPct
	return base + time.Duration(offset*float64(base))
}
