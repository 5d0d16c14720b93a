package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trendlens/trendlens/internal/aggregate"
	"github.com/trendlens/trendlens/internal/config"
	"github.com/trendlens/trendlens/internal/store"
	"github.com/trendlens/trendlens/internal/worker"
)

// 缓存状态，写入响应 meta 与 X-Cache 头
const (
	cacheHit    = "HIT"
	cacheMiss   = "MISS"
	cacheBypass = "BYPASS"
	cacheError  = "ERROR"
)

// Server 薄路由层：读缓存、过滤、回写，不触发任何上游抓取
type Server struct {
	store   *store.Store
	worker  *worker.Worker
	sources []config.SourceConfig
	cfg     *config.Config
}

func NewServer(st *store.Store, w *worker.Worker, sources []config.SourceConfig, cfg *config.Config) *Server {
	return &Server{store: st, worker: w, sources: sources, cfg: cfg}
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/trends", s.getTrends)
		v1.GET("/trends/summary", s.getSummary)
		v1.GET("/sources", s.listSources)
		v1.GET("/status", s.getStatus)
		v1.POST("/cache/invalidate", s.invalidateCache)
		v1.POST("/cache/cleanup", s.cleanupCache)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respond 统一响应封装，带缓存状态与耗时头
func respond(c *gin.Context, code int, cacheStatus string, start time.Time, data any, meta gin.H) {
	elapsed := time.Since(start)
	if meta == nil {
		meta = gin.H{}
	}
	meta["cacheStatus"] = cacheStatus
	meta["responseTimeMs"] = elapsed.Milliseconds()

	c.Header("X-Cache", cacheStatus)
	c.Header("X-Response-Time", fmt.Sprintf("%dms", elapsed.Milliseconds()))
	c.JSON(code, gin.H{
		"success": code < http.StatusBadRequest,
		"data":    data,
		"meta":    meta,
	})
}

// getTrends 只读缓存，从不触发上游抓取。bypass=true 跳过精确 key 的
// 缓存读，改为从最宽的全量变体重新过滤（依然是缓存数据），并照常回写。
// sourceOverride 把结果限定到单个数据源，同样走全量变体的重过滤路径。
func (s *Server) getTrends(c *gin.Context) {
	start := time.Now()

	q := aggregate.Query{
		Category: c.Query("category"),
		Source:   c.Query("sourceOverride"),
		SortBy:   c.DefaultQuery("sortBy", "nes"),
	}
	switch tr := c.Query("timeRange"); tr {
	case "hour", "day", "week":
		q.TimeRange = tr
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "25")); err == nil && limit > 0 && limit <= 100 {
		q.Limit = limit
	} else {
		q.Limit = 25
	}
	if minScore, err := strconv.ParseFloat(c.Query("minScore"), 64); err == nil && minScore > 0 {
		q.MinScore = minScore
	}
	switch q.SortBy {
	case "nes", "score", "comments", "velocity":
	default:
		q.SortBy = "nes"
	}
	bypass := c.Query("bypass") == "true"

	// bypass=true 跳过精确 key 的缓存读，但依然回写
	if !bypass {
		cached, err := s.store.GetTrends(q)
		if err != nil {
			s.store.LogRequest("/trends", false, time.Since(start))
			respond(c, http.StatusInternalServerError, cacheError, start, nil, nil)
			return
		}
		if cached != nil {
			s.store.LogRequest("/trends", true, time.Since(start))
			respond(c, http.StatusOK, cacheHit, start, cached.Records, gin.H{"cachedAt": cached.CachedAt})
			return
		}
	}

	// 未命中：从最宽的全量变体就地重过滤，并在精确 key 下回写
	full, err := s.store.GetTrends(aggregate.Query{})
	if err != nil {
		s.store.LogRequest("/trends", false, time.Since(start))
		respond(c, http.StatusInternalServerError, cacheError, start, nil, nil)
		return
	}
	if full == nil {
		s.store.LogRequest("/trends", false, time.Since(start))
		if !s.worker.Status().RateLimit.Healthy {
			respond(c, http.StatusServiceUnavailable, cacheMiss, start, nil, gin.H{"reason": "upstream degraded and no cached data"})
			return
		}
		respond(c, http.StatusOK, cacheMiss, start, []any{}, nil)
		return
	}

	records := aggregate.Filter(full.Records, q)
	if err := s.store.SetTrends(q, records, s.cfg.Cache.TrendsTTL); err != nil {
		// 回写失败不影响本次响应
		respond(c, http.StatusOK, cacheMiss, start, records, gin.H{"cachedAt": full.CachedAt})
		s.store.LogRequest("/trends", false, time.Since(start))
		return
	}

	status := cacheMiss
	if bypass {
		status = cacheBypass
	}
	s.store.LogRequest("/trends", false, time.Since(start))
	respond(c, http.StatusOK, status, start, records, gin.H{"cachedAt": full.CachedAt})
}

func (s *Server) getSummary(c *gin.Context) {
	start := time.Now()

	cached, err := s.store.GetSummary()
	if err != nil {
		s.store.LogRequest("/trends/summary", false, time.Since(start))
		respond(c, http.StatusInternalServerError, cacheError, start, nil, nil)
		return
	}
	if cached != nil {
		s.store.LogRequest("/trends/summary", true, time.Since(start))
		respond(c, http.StatusOK, cacheHit, start, cached.Summary, gin.H{"cachedAt": cached.CachedAt})
		return
	}

	// 汇总缓存过期时从全量变体重建
	full, err := s.store.GetTrends(aggregate.Query{})
	if err != nil || full == nil {
		s.store.LogRequest("/trends/summary", false, time.Since(start))
		if !s.worker.Status().RateLimit.Healthy {
			respond(c, http.StatusServiceUnavailable, cacheMiss, start, nil, gin.H{"reason": "upstream degraded and no cached data"})
			return
		}
		respond(c, http.StatusOK, cacheMiss, start, aggregate.Summarize(nil), nil)
		return
	}

	summary := aggregate.Summarize(full.Records)
	_ = s.store.SetSummary(summary, s.cfg.Cache.SummaryTTL)
	s.store.LogRequest("/trends/summary", false, time.Since(start))
	respond(c, http.StatusOK, cacheMiss, start, summary, gin.H{"cachedAt": full.CachedAt})
}

// listSources 返回配置的源清单，tier 升序、订阅数降序（加载时已排好）
func (s *Server) listSources(c *gin.Context) {
	start := time.Now()
	category := c.Query("category")

	out := make([]config.SourceConfig, 0, len(s.sources))
	for _, src := range s.sources {
		if category != "" && src.Category != category {
			continue
		}
		out = append(out, src)
	}
	respond(c, http.StatusOK, cacheHit, start, out, nil)
}

func (s *Server) getStatus(c *gin.Context) {
	start := time.Now()

	stats, err := s.store.CacheStats(s.cfg.Cache.LogWindow)
	if err != nil {
		respond(c, http.StatusInternalServerError, cacheError, start, nil, nil)
		return
	}

	tierCounts := make(map[int]int)
	for _, src := range s.sources {
		tierCounts[src.Tier]++
	}

	ws := s.worker.Status()
	respond(c, http.StatusOK, cacheHit, start, gin.H{
		"rateLimit":    ws.RateLimit,
		"jobs":         ws.Jobs,
		"shuttingDown": ws.ShuttingDown,
		"cache":        stats,
		"sourceTiers":  tierCounts,
		"sourceCount":  len(s.sources),
	}, nil)
}

type invalidateRequest struct {
	Prefix   string `json:"prefix"`
	Category string `json:"category"`
	All      bool   `json:"all"`
}

func (s *Server) invalidateCache(c *gin.Context) {
	start := time.Now()

	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, cacheError, start, nil, gin.H{"reason": "invalid body"})
		return
	}

	var (
		removed int64
		err     error
	)
	switch {
	case req.All:
		removed, err = s.store.InvalidateAll()
	case req.Prefix != "":
		removed, err = s.store.InvalidatePrefix(req.Prefix)
	case req.Category != "":
		removed, err = s.store.InvalidateCategory(req.Category)
	default:
		respond(c, http.StatusBadRequest, cacheError, start, nil, gin.H{"reason": "one of prefix, category or all is required"})
		return
	}
	if err != nil {
		respond(c, http.StatusInternalServerError, cacheError, start, nil, nil)
		return
	}
	respond(c, http.StatusOK, cacheHit, start, gin.H{"removed": removed}, nil)
}

func (s *Server) cleanupCache(c *gin.Context) {
	start := time.Now()

	removed, err := s.store.CleanupExpired()
	if err != nil {
		respond(c, http.StatusInternalServerError, cacheError, start, nil, nil)
		return
	}
	respond(c, http.StatusOK, cacheHit, start, gin.H{"removed": removed}, nil)
}
