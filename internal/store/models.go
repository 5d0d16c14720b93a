package store

import (
	"time"

	"gorm.io/datatypes"
)

// CacheEntry 一条缓存的查询结果。Key 由查询参数确定性推导，
// Category 冗余一列用于按分类失效。
type CacheEntry struct {
	Key        string         `gorm:"primaryKey;size:160" json:"key"`
	Category   string         `gorm:"size:64;index" json:"category"`
	Payload    datatypes.JSON `json:"payload"`
	CachedAt   time.Time      `json:"cachedAt"`
	ExpiresAt  time.Time      `gorm:"index" json:"expiresAt"`
	TTLSeconds int64          `json:"ttlSeconds"`
	Hits       int64          `json:"hits"`
}

// Baseline 单源滚动基线的持久化行，进程重启后归一化不用从零开始
type Baseline struct {
	Source      string    `gorm:"primaryKey;size:64" json:"source"`
	AvgScore    float64   `json:"avgScore"`
	AvgComments float64   `json:"avgComments"`
	SampleCount int64     `json:"sampleCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// RequestLog 请求日志滚动窗口，仅用于 /status 的命中率统计
type RequestLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Endpoint   string    `gorm:"size:128;index" json:"endpoint"`
	Hit        bool      `json:"hit"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt"`
}

// Stats 缓存整体统计快照
type Stats struct {
	TotalEntries int64   `json:"totalEntries"`
	TotalHits    int64   `json:"totalHits"`
	ExpiredCount int64   `json:"expiredCount"`
	HitRate      float64 `json:"hitRate"`
}
