package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trendlens/trendlens/internal/api"
	"github.com/trendlens/trendlens/internal/config"
	"github.com/trendlens/trendlens/internal/fetcher"
	"github.com/trendlens/trendlens/internal/logger"
	"github.com/trendlens/trendlens/internal/scheduler"
	"github.com/trendlens/trendlens/internal/scoring"
	"github.com/trendlens/trendlens/internal/store"
	"github.com/trendlens/trendlens/internal/worker"
)

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

	client := fetcher.NewClient(cfg.Upstream)
	scorer := scoring.NewScorer(cfg.Scoring)
	sched := scheduler.New(cfg.Scheduler, sources)

	w := worker.New(cfg, client, scorer, st, sched, sources)
	if err := w.Start(); err != nil {
		log.Fatalw("start worker failed", "err", err)
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	api.NewServer(st, w, sources, cfg).RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + cfg.App.Port,
		Handler: r,
	}
	go func() {
		log.Infow("api server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server exit", "err", err)
		}
	}()

	// Worker 收到 SIGINT/SIGTERM 完成优雅停机后，再关 HTTP 服务
	<-w.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnw("http shutdown failed", "err", err)
	}
	log.Infow("bye")
}
