package main

import (
	"github.com/trendlens/trendlens/internal/config"
	"github.com/trendlens/trendlens/internal/fetcher"
	"github.com/trendlens/trendlens/internal/logger"
	"github.com/trendlens/trendlens/internal/scheduler"
	"github.com/trendlens/trendlens/internal/scoring"
	"github.com/trendlens/trendlens/internal/store"
	"github.com/trendlens/trendlens/internal/worker"
)

// 一次性采集入口：把每个 tier 各跑一轮后退出，适合手动回填缓存
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Get()

	sources, err := config.LoadSources(cfg.Cache.SourcesFile)
	if err != nil {
		log.Fatalw("load sources failed", "err", err)
	}

	st, err := store.Open(cfg.Store.Path, cfg.Redis)
	if err != nil {
		log.Fatalw("open store failed", "err", err)
	}
	defer st.Close()

	client := fetcher.NewClient(cfg.Upstream)
	scorer := scoring.NewScorer(cfg.Scoring)
	sched := scheduler.New(cfg.Scheduler, sources)
	w := worker.New(cfg, client, scorer, st, sched, sources)

	for tier, group := range config.GroupByTier(sources) {
		if err := w.Poll(tier, group); err != nil {
			log.Errorw("tier poll failed", "tier", tier, "err", err)
		}
	}
	log.Infow("collect done")
}
