package scoring

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/trendlens/trendlens/internal/config"
	"github.com/trendlens/trendlens/internal/fetcher"
)

// TrendRecord 打分后的趋势条目，本服务对下游的核心产出。
// 一旦生成不可变，新一轮抓取产生新实例而非原地修改。
type TrendRecord struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	Category    string    `json:"category"`
	Score       float64   `json:"score"`
	NumComments int       `json:"numComments"`
	UpvoteRatio float64   `json:"upvoteRatio"`
	AgeHours    float64   `json:"ageHours"`
	NES         float64   `json:"nes"`
	Velocity    float64   `json:"velocity"`
	Controversy float64   `json:"controversy"`
	Permalink   string    `json:"permalink"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// SourceBaseline 单个数据源的滚动统计，用于把绝对热度归一化:
// 同样 5000 分的帖子，在基线 500 的源和基线 50000 的源意义完全不同。
type SourceBaseline struct {
	Source      string    `json:"source"`
	AvgScore    float64   `json:"avgScore"`
	AvgComments float64   `json:"avgComments"`
	SampleCount int64     `json:"sampleCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// BatchError 整批数据不可用时返回；该批被丢弃并记录日志，不中断轮询
type BatchError struct {
	Source  string
	Skipped int
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("scoring %s: all %d item(s) malformed, batch dropped", e.Source, e.Skipped)
}

// Scorer 纯计算组件，不做任何 I/O；基线只读，更新由调用方负责
type Scorer struct {
	cfg config.ScoringConfig
}

func NewScorer(cfg config.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score 把一批原始帖子转换为趋势记录。非法条目跳过；
// 整批全部非法时返回 BatchError。
func (s *Scorer) Score(items []fetcher.RawItem, src config.SourceConfig, baseline SourceBaseline, now time.Time) ([]TrendRecord, error) {
	if len(items) == 0 {
		return nil, nil
	}

	out := make([]TrendRecord, 0, len(items))
	skipped := 0
	for _, it := range items {
		if !validItem(it) {
			skipped++
			continue
		}

		ageHours := now.Sub(it.CreatedUTC).Hours()
		if ageHours < 0 {
			ageHours = 0
		}

		velocity := it.Score / math.Max(ageHours, 1)
		controversy := 1 - math.Abs(0.5-it.UpvoteRatio)*2
		nes := s.computeNES(it.Score, velocity, controversy, ageHours, baseline)

		out = append(out, TrendRecord{
			ID:          recordID(src.Name, it.ID),
			Title:       strings.TrimSpace(it.Title),
			Source:      src.Name,
			Category:    src.Category,
			Score:       it.Score,
			NumComments: it.NumComments,
			UpvoteRatio: it.UpvoteRatio,
			AgeHours:    ageHours,
			NES:         nes,
			Velocity:    velocity,
			Controversy: controversy,
			Permalink:   it.Permalink,
			FetchedAt:   now,
		})
	}

	if len(out) == 0 && skipped > 0 {
		return nil, &BatchError{Source: src.Name, Skipped: skipped}
	}
	return out, nil
}

// computeNES 合成归一化热度分:
//   - 基线分量: 相对本源历史均值的倍数，封顶后折算到 [0, BaselineWeight]
//   - 速度分量: 每小时得分相对基线均值，折算到 [0, VelocityWeight]
//   - 争议分量: 赞踩接近五五开的帖子讨论度高，按权重加成
//
// 三者之和再乘以半衰期为 VelocityDecayHrs 的指数衰减，并收敛到 [0, 100]。
func (s *Scorer) computeNES(score, velocity, controversy, ageHours float64, baseline SourceBaseline) float64 {
	avg := math.Max(baseline.AvgScore, s.cfg.MinScoreThreshold)

	baseRatio := math.Min(score/avg, s.cfg.BaselineRatioCap)
	baseComponent := baseRatio / s.cfg.BaselineRatioCap * s.cfg.BaselineWeight

	velComponent := math.Min(velocity/avg, 1) * s.cfg.VelocityWeight

	ctrlComponent := math.Min(controversy*s.cfg.ControversyWeight, 1.5) * s.cfg.ControversyScale

	decay := math.Exp2(-ageHours / s.cfg.VelocityDecayHrs)

	nes := (baseComponent + velComponent + ctrlComponent) * decay
	return math.Max(0, math.Min(100, nes))
}

// BatchStats 计算一批原始帖子的均值，供滚动基线更新使用
func BatchStats(items []fetcher.RawItem) (avgScore, avgComments float64, n int) {
	for _, it := range items {
		if !validItem(it) {
			continue
		}
		avgScore += it.Score
		avgComments += float64(it.NumComments)
		n++
	}
	if n == 0 {
		return 0, 0, 0
	}
	return avgScore / float64(n), avgComments / float64(n), n
}

// SeedBaseline 冷启动基线：还没有任何样本时用配置里的基准分做种子
func SeedBaseline(src config.SourceConfig) SourceBaseline {
	return SourceBaseline{
		Source:      src.Name,
		AvgScore:    src.BaselineScore,
		AvgComments: src.BaselineScore / 10,
		SampleCount: 0,
	}
}

func validItem(it fetcher.RawItem) bool {
	if it.ID == "" || strings.TrimSpace(it.Title) == "" {
		return false
	}
	if it.CreatedUTC.IsZero() {
		return false
	}
	if it.UpvoteRatio < 0 || it.UpvoteRatio > 1 {
		return false
	}
	if it.Score < 0 {
		return false
	}
	return true
}

// recordID 由源名 + 帖子 ID 生成稳定标识
func recordID(source, itemID string) string {
	h := sha1.New()
	h.Write([]byte(source + ":" + itemID))
	return hex.EncodeToString(h.Sum(nil))
}
