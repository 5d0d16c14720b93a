package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trendlens/trendlens/internal/aggregate"
	"github.com/trendlens/trendlens/internal/config"
)

func openRedisStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestSetTrendsMirrorsToRedis(t *testing.T) {
	s, mr := openRedisStore(t)
	q := aggregate.Query{Category: "tech"}

	require.NoError(t, s.SetTrends(q, trendRecords("tech", 2), time.Minute))
	assert.True(t, mr.Exists(TrendsKey(q)))
}

func TestRedisHitServesWithoutSQLiteRow(t *testing.T) {
	s, _ := openRedisStore(t)
	q := aggregate.Query{Category: "tech"}
	records := trendRecords("tech", 2)

	require.NoError(t, s.SetTrends(q, records, time.Minute))

	// 删掉 SQLite 行，读仍应由 Redis 热点层回答
	s.mu.Lock()
	require.NoError(t, s.db.Where("key = ?", TrendsKey(q)).Delete(&CacheEntry{}).Error)
	s.mu.Unlock()

	cached, err := s.GetTrends(q)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, records, cached.Records)
}

func TestRedisFailureFallsBackToSQLite(t *testing.T) {
	s, mr := openRedisStore(t)
	q := aggregate.Query{Category: "tech"}
	records := trendRecords("tech", 2)

	require.NoError(t, s.SetTrends(q, records, time.Minute))
	mr.Close()

	cached, err := s.GetTrends(q)
	require.NoError(t, err)
	require.NotNil(t, cached, "redis outage must degrade to sqlite, not fail")
	assert.Equal(t, records, cached.Records)
}

func TestInvalidateCategoryDropsRedisKeys(t *testing.T) {
	s, mr := openRedisStore(t)
	techQ := aggregate.Query{Category: "tech"}
	newsQ := aggregate.Query{Category: "news"}

	require.NoError(t, s.SetTrends(techQ, trendRecords("tech", 1), time.Minute))
	require.NoError(t, s.SetTrends(newsQ, trendRecords("news", 1), time.Minute))

	_, err := s.InvalidateCategory("tech")
	require.NoError(t, err)

	assert.False(t, mr.Exists(TrendsKey(techQ)))
	assert.True(t, mr.Exists(TrendsKey(newsQ)))
}
