package store

import (
	"fmt"

	"github.com/trendlens/trendlens/internal/aggregate"
)

const (
	trendsKeyPrefix = "trends:"
	summaryKey      = "summary:latest"
)

// TrendsKey 从查询参数确定性地推导缓存 key，
// 相同查询永远命中同一条记录。
func TrendsKey(q aggregate.Query) string {
	category := q.Category
	if category == "" {
		category = "all"
	}
	source := q.Source
	if source == "" {
		source = "all"
	}
	timeRange := q.TimeRange
	if timeRange == "" {
		timeRange = "all"
	}
	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = "nes"
	}
	return fmt.Sprintf("%s%s:%s:%s:%s:%d:%g", trendsKeyPrefix, category, source, timeRange, sortBy, q.Limit, q.MinScore)
}
