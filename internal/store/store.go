package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/trendlens/trendlens/internal/aggregate"
	"github.com/trendlens/trendlens/internal/config"
	"github.com/trendlens/trendlens/internal/logger"
	"github.com/trendlens/trendlens/internal/scoring"
)

// Store 嵌入式持久化存储：缓存的查询结果、单源滚动基线、请求日志。
// 进程内唯一共享可变资源，所有写操作经内部互斥串行化；
// 可选 Redis 作为热点 key 的读穿层，正确性不依赖它。
type Store struct {
	db  *gorm.DB
	rdb *redis.Client

	mu sync.Mutex // 串行化 SQLite 写入
}

// CachedTrends 一次缓存命中的查询结果
type CachedTrends struct {
	Records  []scoring.TrendRecord `json:"records"`
	CachedAt time.Time             `json:"cachedAt"`
	Hits     int64                 `json:"hits"`
}

// CachedSummary 缓存命中的汇总
type CachedSummary struct {
	Summary  aggregate.Summary `json:"summary"`
	CachedAt time.Time         `json:"cachedAt"`
}

// Open 打开（必要时创建）嵌入式存储并迁移表结构。
// redisCfg.Addr 非空时挂载 Redis 热点层，ping 失败仅告警不阻塞启动。
func Open(path string, redisCfg config.RedisConfig) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	if err := db.AutoMigrate(&CacheEntry{}, &Baseline{}, &RequestLog{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	s := &Store{db: db}

	if redisCfg.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Get().Warnw("redis ping failed, hot layer degraded", "addr", redisCfg.Addr, "err", err)
		}
		s.rdb = rdb
	}

	return s, nil
}

// Close 释放底层句柄
func (s *Store) Close() error {
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetTrends 读取查询结果缓存。未命中或已过期返回 (nil, nil)；
// 过期检查在读路径独立完成，不依赖后台清理。
func (s *Store) GetTrends(q aggregate.Query) (*CachedTrends, error) {
	key := TrendsKey(q)

	// L1: Redis 热点层，任何失败都回落到 SQLite
	if s.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if bs, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
			var cached CachedTrends
			if err := json.Unmarshal(bs, &cached); err == nil {
				cancel()
				s.bumpHits(key)
				return &cached, nil
			}
		}
		cancel()
	}

	var entry CacheEntry
	err := s.db.Where("key = ?", key).First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get trends: %w", err)
	}
	if time.Now().After(entry.ExpiresAt) {
		return nil, nil
	}

	var records []scoring.TrendRecord
	if err := json.Unmarshal(entry.Payload, &records); err != nil {
		return nil, fmt.Errorf("store: decode trends payload: %w", err)
	}

	s.bumpHits(key)
	return &CachedTrends{Records: records, CachedAt: entry.CachedAt, Hits: entry.Hits + 1}, nil
}

// SetTrends 写入（或覆盖）一条查询结果缓存
func (s *Store) SetTrends(q aggregate.Query, records []scoring.TrendRecord, ttl time.Duration) error {
	key := TrendsKey(q)
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("store: encode trends payload: %w", err)
	}

	now := time.Now().UTC()
	entry := CacheEntry{
		Key:        key,
		Category:   q.Category,
		Payload:    payload,
		CachedAt:   now,
		ExpiresAt:  now.Add(ttl),
		TTLSeconds: int64(ttl / time.Second),
	}

	s.mu.Lock()
	err = s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&entry).Error
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: set trends: %w", err)
	}

	s.mirrorToRedis(key, &CachedTrends{Records: records, CachedAt: now}, ttl)
	return nil
}

// GetSummary 读取缓存的汇总，未命中或过期返回 (nil, nil)
func (s *Store) GetSummary() (*CachedSummary, error) {
	var entry CacheEntry
	err := s.db.Where("key = ?", summaryKey).First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get summary: %w", err)
	}
	if time.Now().After(entry.ExpiresAt) {
		return nil, nil
	}

	var summary aggregate.Summary
	if err := json.Unmarshal(entry.Payload, &summary); err != nil {
		return nil, fmt.Errorf("store: decode summary payload: %w", err)
	}
	s.bumpHits(summaryKey)
	return &CachedSummary{Summary: summary, CachedAt: entry.CachedAt}, nil
}

// SetSummary 写入汇总缓存
func (s *Store) SetSummary(summary aggregate.Summary, ttl time.Duration) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("store: encode summary payload: %w", err)
	}
	now := time.Now().UTC()
	entry := CacheEntry{
		Key:        summaryKey,
		Payload:    payload,
		CachedAt:   now,
		ExpiresAt:  now.Add(ttl),
		TTLSeconds: int64(ttl / time.Second),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&entry).Error; err != nil {
		return fmt.Errorf("store: set summary: %w", err)
	}
	return nil
}

// GetBaseline 读取单源基线；不存在返回 (nil, nil)，由调用方决定种子值
func (s *Store) GetBaseline(source string) (*scoring.SourceBaseline, error) {
	var row Baseline
	err := s.db.Where("source = ?", source).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get baseline: %w", err)
	}
	return &scoring.SourceBaseline{
		Source:      row.Source,
		AvgScore:    row.AvgScore,
		AvgComments: row.AvgComments,
		SampleCount: row.SampleCount,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

// UpdateBaseline 用一批新样本增量更新滚动基线。采用加权合并而非整体覆盖，
// 单次异常尖峰只能小幅拉动均值，不会立即扭曲归一化。
func (s *Store) UpdateBaseline(source string, avgScore, avgComments float64, sampleCount int) error {
	if sampleCount <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var row Baseline
	err := s.db.Where("source = ?", source).First(&row).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		row = Baseline{
			Source:      source,
			AvgScore:    avgScore,
			AvgComments: avgComments,
			SampleCount: int64(sampleCount),
			UpdatedAt:   time.Now().UTC(),
		}
	case err != nil:
		return fmt.Errorf("store: load baseline: %w", err)
	default:
		oldN := float64(row.SampleCount)
		newN := float64(sampleCount)
		total := oldN + newN
		row.AvgScore = (row.AvgScore*oldN + avgScore*newN) / total
		row.AvgComments = (row.AvgComments*oldN + avgComments*newN) / total
		row.SampleCount += int64(sampleCount)
		row.UpdatedAt = time.Now().UTC()
	}

	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("store: save baseline: %w", err)
	}
	return nil
}

// InvalidatePrefix 删除 key 前缀匹配的缓存条目，返回删除条数
func (s *Store) InvalidatePrefix(prefix string) (int64, error) {
	s.mu.Lock()
	res := s.db.Where("key LIKE ?", prefix+"%").Delete(&CacheEntry{})
	s.mu.Unlock()
	if res.Error != nil {
		return 0, fmt.Errorf("store: invalidate prefix: %w", res.Error)
	}
	s.dropRedisKeys(prefix + "*")
	return res.RowsAffected, nil
}

// InvalidateCategory 删除缓存查询中指定了该分类的条目，
// 其他分类以及全分类条目不受影响
func (s *Store) InvalidateCategory(category string) (int64, error) {
	s.mu.Lock()
	res := s.db.Where("category = ?", category).Delete(&CacheEntry{})
	s.mu.Unlock()
	if res.Error != nil {
		return 0, fmt.Errorf("store: invalidate category: %w", res.Error)
	}
	s.dropRedisKeys(trendsKeyPrefix + category + ":*")
	return res.RowsAffected, nil
}

// InvalidateAll 清空全部缓存条目，基线与请求日志保留
func (s *Store) InvalidateAll() (int64, error) {
	s.mu.Lock()
	res := s.db.Where("1 = 1").Delete(&CacheEntry{})
	s.mu.Unlock()
	if res.Error != nil {
		return 0, fmt.Errorf("store: invalidate all: %w", res.Error)
	}
	s.dropRedisKeys(trendsKeyPrefix + "*")
	return res.RowsAffected, nil
}

// CleanupExpired 清理已过期条目。读路径独立判断过期，这里只回收空间，
// 随时可被机会性调用。
func (s *Store) CleanupExpired() (int64, error) {
	s.mu.Lock()
	res := s.db.Where("expires_at < ?", time.Now().UTC()).Delete(&CacheEntry{})
	s.mu.Unlock()
	if res.Error != nil {
		return 0, fmt.Errorf("store: cleanup expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// LogRequest 记录一次读请求，供 /status 的命中率统计
func (s *Store) LogRequest(endpoint string, hit bool, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Create(&RequestLog{
		Endpoint:   endpoint,
		Hit:        hit,
		DurationMs: duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}).Error
	if err != nil {
		logger.Get().Warnw("log request failed", "endpoint", endpoint, "err", err)
	}
}

// PruneRequestLogs 删除窗口之外的请求日志
func (s *Store) PruneRequestLogs(window time.Duration) (int64, error) {
	s.mu.Lock()
	res := s.db.Where("created_at < ?", time.Now().UTC().Add(-window)).Delete(&RequestLog{})
	s.mu.Unlock()
	if res.Error != nil {
		return 0, fmt.Errorf("store: prune request logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CacheStats 统计缓存条目总数、累计命中、过期数与窗口内请求命中率
func (s *Store) CacheStats(logWindow time.Duration) (Stats, error) {
	var stats Stats

	if err := s.db.Model(&CacheEntry{}).Count(&stats.TotalEntries).Error; err != nil {
		return stats, fmt.Errorf("store: count entries: %w", err)
	}

	var totalHits sql.NullInt64
	if err := s.db.Model(&CacheEntry{}).Select("SUM(hits)").Scan(&totalHits).Error; err != nil {
		return stats, fmt.Errorf("store: sum hits: %w", err)
	}
	if totalHits.Valid {
		stats.TotalHits = totalHits.Int64
	}

	if err := s.db.Model(&CacheEntry{}).Where("expires_at < ?", time.Now().UTC()).Count(&stats.ExpiredCount).Error; err != nil {
		return stats, fmt.Errorf("store: count expired: %w", err)
	}

	since := time.Now().UTC().Add(-logWindow)
	var total, hits int64
	if err := s.db.Model(&RequestLog{}).Where("created_at >= ?", since).Count(&total).Error; err != nil {
		return stats, fmt.Errorf("store: count requests: %w", err)
	}
	if total > 0 {
		if err := s.db.Model(&RequestLog{}).Where("created_at >= ? AND hit = ?", since, true).Count(&hits).Error; err != nil {
			return stats, fmt.Errorf("store: count hit requests: %w", err)
		}
		stats.HitRate = float64(hits) / float64(total)
	}

	return stats, nil
}

// bumpHits 命中计数自增，失败只记日志
func (s *Store) bumpHits(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Model(&CacheEntry{}).Where("key = ?", key).
		UpdateColumn("hits", gorm.Expr("hits + 1")).Error
	if err != nil {
		logger.Get().Debugw("bump hits failed", "key", key, "err", err)
	}
}

func (s *Store) mirrorToRedis(key string, cached *CachedTrends, ttl time.Duration) {
	if s.rdb == nil {
		return
	}
	bs, err := json.Marshal(cached)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.rdb.Set(ctx, key, bs, ttl).Err(); err != nil {
		logger.Get().Debugw("redis mirror write failed", "key", key, "err", err)
	}
}

func (s *Store) dropRedisKeys(pattern string) {
	if s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Get().Debugw("redis del failed", "key", iter.Val(), "err", err)
		}
	}
	if err := iter.Err(); err != nil {
		logger.Get().Debugw("redis scan failed", "pattern", pattern, "err", err)
	}
}
