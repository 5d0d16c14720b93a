package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/trendlens/trendlens/internal/aggregate"
	"github.com/trendlens/trendlens/internal/config"
	"github.com/trendlens/trendlens/internal/fetcher"
	"github.com/trendlens/trendlens/internal/logger"
	"github.com/trendlens/trendlens/internal/scheduler"
	"github.com/trendlens/trendlens/internal/scoring"
	"github.com/trendlens/trendlens/internal/store"
)

// Fetcher Worker 对抓取客户端的依赖面，测试中可替换
type Fetcher interface {
	FetchMany(ctx context.Context, sources []config.SourceConfig, opts fetcher.Options) map[string]fetcher.SourceResult
	RateLimitStatus() fetcher.RateLimitStatus
}

// Status Worker 的运行状态快照
type Status struct {
	ShuttingDown bool                    `json:"shuttingDown"`
	RateLimit    fetcher.RateLimitStatus `json:"rateLimit"`
	Jobs         []scheduler.JobStatus   `json:"jobs"`
}

// Worker 把调度回调接到 抓取 → 打分 → 聚合 → 写缓存 的流水线上，
// 并负责优雅停机与周期性维护任务。
type Worker struct {
	cfg     *config.Config
	fetch   Fetcher
	scorer  *scoring.Scorer
	store   *store.Store
	sched   *scheduler.Scheduler
	sources []config.SourceConfig

	shuttingDown atomic.Bool
	maintenance  *cron.Cron
	shutdownOnce sync.Once
	done         chan struct{}

	log *zap.SugaredLogger
}

func New(cfg *config.Config, fetch Fetcher, scorer *scoring.Scorer, st *store.Store, sched *scheduler.Scheduler, sources []config.SourceConfig) *Worker {
	return &Worker{
		cfg:     cfg,
		fetch:   fetch,
		scorer:  scorer,
		store:   st,
		sched:   sched,
		sources: sources,
		done:    make(chan struct{}),
		log:     logger.Get(),
	}
}

// Start 注册回调并启动调度与维护任务，同时挂上进程信号处理，
// 让 SIGINT/SIGTERM 走与 Shutdown 相同的优雅退出路径。
func (w *Worker) Start() error {
	w.sched.SetCallback(w.Poll)
	if err := w.sched.StartAll(); err != nil {
		return err
	}

	w.maintenance = cron.New()
	// 过期条目清理只为回收空间，读路径自会判断过期
	if _, err := w.maintenance.AddFunc("*/10 * * * *", w.cleanupExpired); err != nil {
		return fmt.Errorf("worker: add cleanup cron: %w", err)
	}
	if _, err := w.maintenance.AddFunc("0 3 * * *", w.pruneRequestLogs); err != nil {
		return fmt.Errorf("worker: add prune cron: %w", err)
	}
	w.maintenance.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		w.log.Infow("signal received, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := w.Shutdown(ctx); err != nil {
			w.log.Errorw("shutdown failed", "err", err)
		}
	}()

	w.log.Infow("worker started", "sources", len(w.sources))
	return nil
}

// Shutdown 协作式停机：置位标记让新一轮轮询直接跳过（在途的跑完），
// 停掉调度与维护定时器，最后释放存储句柄。
func (w *Worker) Shutdown(ctx context.Context) error {
	var err error
	w.shutdownOnce.Do(func() {
		w.shuttingDown.Store(true)

		if w.maintenance != nil {
			cronCtx := w.maintenance.Stop()
			select {
			case <-cronCtx.Done():
			case <-ctx.Done():
			}
		}

		stopped := make(chan struct{})
		go func() {
			w.sched.StopAll()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			err = fmt.Errorf("worker: shutdown timed out waiting for scheduler: %w", ctx.Err())
		}

		if cerr := w.store.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("worker: close store: %w", cerr)
		}

		close(w.done)
		w.log.Infow("worker stopped")
	})
	return err
}

// Done 在停机完成后关闭
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// ForceRun 手动触发一个 tier 的轮询
func (w *Worker) ForceRun(tier int) error {
	if w.shuttingDown.Load() {
		return fmt.Errorf("worker: shutting down")
	}
	return w.sched.ForceRun(tier)
}

// Status 汇总限流快照与各 job 状态
func (w *Worker) Status() Status {
	return Status{
		ShuttingDown: w.shuttingDown.Load(),
		RateLimit:    w.fetch.RateLimitStatus(),
		Jobs:         w.sched.Status(),
	}
}

// Poll 一个 tier 的完整轮询周期。单源失败只跳过该源；
// 全部源失败或存储写入失败才返回错误，交给调度器重试。
func (w *Worker) Poll(tier int, sources []config.SourceConfig) error {
	if w.shuttingDown.Load() {
		w.log.Debugw("poll skipped, shutting down", "tier", tier)
		return nil
	}

	start := time.Now()
	ctx := context.Background()

	results := w.fetch.FetchMany(ctx, sources, fetcher.Options{
		Sort:  "hot",
		Limit: w.cfg.Upstream.FetchLimit,
	})

	perSource := make(map[string][]scoring.TrendRecord, len(sources))
	failed := 0
	for _, src := range sources {
		res, ok := results[src.Name]
		if !ok {
			continue
		}
		if res.Err != nil {
			failed++
			w.log.Warnw("source fetch failed, skipping", "source", src.Name, "retries", res.Retries, "err", res.Err)
			continue
		}
		if res.Retries > 0 {
			w.log.Infow("source fetched after retry", "source", src.Name, "retries", res.Retries)
		}
		if len(res.Items) == 0 {
			continue
		}

		records, err := w.scoreSource(src, res.Items)
		if err != nil {
			w.log.Warnw("scoring failed, batch dropped", "source", src.Name, "err", err)
			continue
		}
		perSource[src.Name] = records
	}

	if len(perSource) == 0 {
		if failed > 0 {
			return fmt.Errorf("worker: tier %d poll failed for all %d source(s)", tier, failed)
		}
		w.log.Infow("poll produced no records", "tier", tier)
		return nil
	}

	if err := w.publish(tier, perSource); err != nil {
		return err
	}

	w.log.Infow("poll done",
		"tier", tier,
		"sources", len(perSource),
		"failed", failed,
		"duration", time.Since(start),
	)
	return nil
}

// scoreSource 读基线（缺失或存储故障时用配置种子）、打分、
// 再用本批统计增量更新基线。
func (w *Worker) scoreSource(src config.SourceConfig, items []fetcher.RawItem) ([]scoring.TrendRecord, error) {
	baseline, err := w.store.GetBaseline(src.Name)
	if err != nil {
		// 存储读故障按缓存未命中处理，不让单源轮询失败
		w.log.Warnw("baseline read failed, using seed", "source", src.Name, "err", err)
	}
	if baseline == nil {
		seed := scoring.SeedBaseline(src)
		baseline = &seed
	}

	records, err := w.scorer.Score(items, src, *baseline, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	avgScore, avgComments, n := scoring.BatchStats(items)
	if n > 0 {
		if err := w.store.UpdateBaseline(src.Name, avgScore, avgComments, n); err != nil {
			w.log.Warnw("baseline update failed", "source", src.Name, "err", err)
		}
	}
	return records, nil
}

// publish 将本轮结果与缓存中其他源的最新记录合并去重后，
// 按全部受支持的排序变体与分类变体写入缓存，并刷新汇总。
func (w *Worker) publish(tier int, perSource map[string][]scoring.TrendRecord) error {
	merged := aggregate.Merge(perSource)

	// 其他 tier 的源不在本轮抓取范围内，从全量缓存里带过来，
	// 避免写入把它们冲掉
	if cached, err := w.store.GetTrends(aggregate.Query{}); err == nil && cached != nil {
		polled := make(map[string]struct{}, len(perSource))
		for name := range perSource {
			polled[name] = struct{}{}
		}
		for _, r := range cached.Records {
			if _, ok := polled[r.Source]; !ok {
				merged = append(merged, r)
			}
		}
	}

	records := aggregate.Deduplicate(merged)

	ttl := w.cfg.Cache.TrendsTTL

	// 全量 + 各排序变体，后续读请求可以完全由缓存回答
	for _, sortBy := range []string{"", "score", "comments", "velocity"} {
		q := aggregate.Query{SortBy: sortBy}
		if err := w.store.SetTrends(q, aggregate.Filter(records, q), ttl); err != nil {
			return fmt.Errorf("worker: cache write: %w", err)
		}
	}

	// 分类变体
	for _, category := range w.categories() {
		q := aggregate.Query{Category: category}
		if err := w.store.SetTrends(q, aggregate.Filter(records, q), ttl); err != nil {
			return fmt.Errorf("worker: cache write: %w", err)
		}
	}

	if err := w.store.SetSummary(aggregate.Summarize(records), w.cfg.Cache.SummaryTTL); err != nil {
		return fmt.Errorf("worker: summary write: %w", err)
	}
	return nil
}

func (w *Worker) categories() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 4)
	for _, s := range w.sources {
		if _, ok := seen[s.Category]; ok {
			continue
		}
		seen[s.Category] = struct{}{}
		out = append(out, s.Category)
	}
	return out
}

func (w *Worker) cleanupExpired() {
	n, err := w.store.CleanupExpired()
	if err != nil {
		w.log.Warnw("cleanup expired failed", "err", err)
		return
	}
	if n > 0 {
		w.log.Infow("expired cache entries removed", "count", n)
	}
}

func (w *Worker) pruneRequestLogs() {
	n, err := w.store.PruneRequestLogs(w.cfg.Cache.LogWindow)
	if err != nil {
		w.log.Warnw("prune request logs failed", "err", err)
		return
	}
	if n > 0 {
		w.log.Infow("request logs pruned", "count", n)
	}
}
