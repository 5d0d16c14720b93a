package fetcher

import "time"

// RawItem 上游返回的单条帖子，只在打分前短暂存在，不落库
type RawItem struct {
	ID          string
	Title       string
	Score       float64
	NumComments int
	UpvoteRatio float64
	CreatedUTC  time.Time
	Permalink   string
}

// Options 一次抓取的查询参数
type Options struct {
	Sort      string // hot / top / new / rising
	TimeRange string // hour / day / week，仅 top 排序生效
	Limit     int
}

// RateLimitStatus 上游配额快照，由每次响应的头部更新
type RateLimitStatus struct {
	Remaining float64
	ResetAt   time.Time
	Healthy   bool
}

// SourceResult 单个数据源的抓取结果；Err 与 Items 互斥，
// Retries 记录本次调用实际发生的重试次数
type SourceResult struct {
	Items   []RawItem
	Retries int
	Err     error
}
