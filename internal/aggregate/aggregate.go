package aggregate

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/trendlens/trendlens/internal/scoring"
)

// Query 过滤与排序参数；零值表示不启用对应条件
type Query struct {
	Category  string  `json:"category,omitempty"`
	Source    string  `json:"source,omitempty"`    // 只看单个数据源
	TimeRange string  `json:"timeRange,omitempty"` // hour / day / week，空值不限
	MinScore  float64 `json:"minScore,omitempty"`
	SortBy    string  `json:"sortBy,omitempty"` // nes(默认) / score / comments / velocity
	Limit     int     `json:"limit,omitempty"`
}

// MaxAgeHours 把 timeRange 换算成帖子年龄上限；未知或空值返回 0 表示不限
func (q Query) MaxAgeHours() float64 {
	switch q.TimeRange {
	case "hour":
		return 1
	case "day":
		return 24
	case "week":
		return 168
	default:
		return 0
	}
}

// Summary 轻量状态展示用的汇总：各分类条数 + 全局最高分记录
type Summary struct {
	Total       int                  `json:"total"`
	PerCategory map[string]int       `json:"perCategory"`
	Top         *scoring.TrendRecord `json:"top,omitempty"`
	GeneratedAt time.Time            `json:"generatedAt"`
}

// Merge 把各源的打分结果摊平成一个列表
func Merge(perSource map[string][]scoring.TrendRecord) []scoring.TrendRecord {
	total := 0
	for _, records := range perSource {
		total += len(records)
	}
	out := make([]scoring.TrendRecord, 0, total)
	for _, records := range perSource {
		out = append(out, records...)
	}
	return out
}

// Deduplicate 按归一化标题去重。同一个标题 key 只保留 NES 最高的一条，
// 处理同一事件在多个源同时上榜的情况。
func Deduplicate(records []scoring.TrendRecord) []scoring.TrendRecord {
	best := make(map[string]scoring.TrendRecord, len(records))
	order := make([]string, 0, len(records))

	for _, r := range records {
		key := NormalizeTitle(r.Title)
		if key == "" {
			continue
		}
		cur, ok := best[key]
		if !ok {
			best[key] = r
			order = append(order, key)
			continue
		}
		if r.NES > cur.NES || (r.NES == cur.NES && r.Score > cur.Score) {
			best[key] = r
		}
	}

	out := make([]scoring.TrendRecord, 0, len(best))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

// NormalizeTitle 生成去重 key：小写、去标点、压缩空白
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))

	lastSpace := true
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
		// 标点直接丢弃
	}
	return strings.TrimSpace(b.String())
}

// Filter 应用分类/最低分过滤，按请求字段排序后截断。
// 默认按 NES 降序，任何排序字段的并列都以原始分降序打破。
func Filter(records []scoring.TrendRecord, q Query) []scoring.TrendRecord {
	maxAge := q.MaxAgeHours()

	out := make([]scoring.TrendRecord, 0, len(records))
	for _, r := range records {
		if q.Category != "" && r.Category != q.Category {
			continue
		}
		if q.Source != "" && r.Source != q.Source {
			continue
		}
		if q.MinScore > 0 && r.Score < q.MinScore {
			continue
		}
		if maxAge > 0 && r.AgeHours > maxAge {
			continue
		}
		out = append(out, r)
	}

	sortRecords(out, q.SortBy)

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func sortRecords(records []scoring.TrendRecord, sortBy string) {
	key := func(r scoring.TrendRecord) float64 {
		switch sortBy {
		case "score":
			return r.Score
		case "comments":
			return float64(r.NumComments)
		case "velocity":
			return r.Velocity
		default:
			return r.NES
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		ki, kj := key(records[i]), key(records[j])
		if ki != kj {
			return ki > kj
		}
		return records[i].Score > records[j].Score
	})
}

// Summarize 生成各分类计数与全局最高 NES 记录
func Summarize(records []scoring.TrendRecord) Summary {
	s := Summary{
		Total:       len(records),
		PerCategory: make(map[string]int),
		GeneratedAt: time.Now().UTC(),
	}
	for i, r := range records {
		s.PerCategory[r.Category]++
		if s.Top == nil || r.NES > s.Top.NES {
			top := records[i]
			s.Top = &top
		}
	}
	return s
}
