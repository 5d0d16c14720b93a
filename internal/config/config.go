package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config 汇总服务全部可调参数，启动时加载一次
type Config struct {
	App       AppConfig
	Store     StoreConfig
	Redis     RedisConfig
	Upstream  UpstreamConfig
	Scheduler SchedulerConfig
	Scoring   ScoringConfig
	Cache     CacheConfig
}

type AppConfig struct {
	Port     string `envconfig:"APP_PORT" default:"9000"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

type StoreConfig struct {
	Path string `envconfig:"STORE_PATH" default:"data/trendlens.db"`
}

type RedisConfig struct {
	// Addr 为空时不启用 Redis 热点缓存层，所有读写直达嵌入式存储
	Addr     string `envconfig:"REDIS_ADDR"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

type UpstreamConfig struct {
	BaseURL        string        `envconfig:"UPSTREAM_BASE_URL" default:"https://www.reddit.com"`
	UserAgent      string        `envconfig:"UPSTREAM_USER_AGENT" default:"trendlens/1.0 (trend harvester)"`
	Timeout        time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"10s"`
	MaxAttempts    int           `envconfig:"UPSTREAM_MAX_ATTEMPTS" default:"3"`
	BackoffBase    time.Duration `envconfig:"UPSTREAM_BACKOFF_BASE" default:"500ms"`
	RequestsPerMin int           `envconfig:"UPSTREAM_REQUESTS_PER_MIN" default:"60"`
	QuotaMargin    int           `envconfig:"UPSTREAM_QUOTA_MARGIN" default:"10"`
	Concurrency    int           `envconfig:"UPSTREAM_CONCURRENCY" default:"5"`
	FetchLimit     int           `envconfig:"UPSTREAM_FETCH_LIMIT" default:"25"`
}

type SchedulerConfig struct {
	Tier1Interval time.Duration `envconfig:"TIER1_INTERVAL" default:"5m"`
	Tier2Interval time.Duration `envconfig:"TIER2_INTERVAL" default:"15m"`
	Tier3Interval time.Duration `envconfig:"TIER3_INTERVAL" default:"30m"`
	JitterPct     float64       `envconfig:"SCHEDULER_JITTER_PCT" default:"0.2"`
	MaxRetries    int           `envconfig:"SCHEDULER_MAX_RETRIES" default:"3"`
	RetryDelay    time.Duration `envconfig:"SCHEDULER_RETRY_DELAY" default:"30s"`
}

// ScoringConfig 暴露打分公式的全部权重，便于线上调参
type ScoringConfig struct {
	MinScoreThreshold float64 `envconfig:"SCORE_MIN_THRESHOLD" default:"50"`
	ControversyWeight float64 `envconfig:"SCORE_CONTROVERSY_WEIGHT" default:"1.5"`
	VelocityDecayHrs  float64 `envconfig:"SCORE_VELOCITY_DECAY_HOURS" default:"24"`
	BaselineWeight    float64 `envconfig:"SCORE_BASELINE_WEIGHT" default:"55"`
	VelocityWeight    float64 `envconfig:"SCORE_VELOCITY_WEIGHT" default:"30"`
	ControversyScale  float64 `envconfig:"SCORE_CONTROVERSY_SCALE" default:"10"`
	BaselineRatioCap  float64 `envconfig:"SCORE_BASELINE_RATIO_CAP" default:"10"`
}

type CacheConfig struct {
	TrendsTTL  time.Duration `envconfig:"CACHE_TRENDS_TTL" default:"10m"`
	SummaryTTL time.Duration `envconfig:"CACHE_SUMMARY_TTL" default:"10m"`
	LogWindow  time.Duration `envconfig:"CACHE_LOG_WINDOW" default:"24h"`
	// SourcesFile 指向 JSON 数组文件，覆盖内置数据源清单
	SourcesFile string `envconfig:"SOURCES_FILE"`
}

// SourceConfig 描述一个被轮询的数据源，启动时加载后不再变化
type SourceConfig struct {
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	Tier          int     `json:"tier"`
	BaselineScore float64 `json:"baselineScore"`
	Subscribers   int64   `json:"subscribers"`
}

// Load 读取 .env（存在时）与环境变量
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: process env: %w", err)
	}
	return &cfg, nil
}

// TierInterval 返回某个 tier 的基准轮询间隔
func (c SchedulerConfig) TierInterval(tier int) time.Duration {
	switch tier {
	case 1:
		return c.Tier1Interval
	case 2:
		return c.Tier2Interval
	default:
		return c.Tier3Interval
	}
}

// defaultSources 内置数据源清单。tier 1 高频轮询，tier 3 低频；
// baselineScore 作为冷启动时基线统计的种子值。
var defaultSources = []SourceConfig{
	{Name: "technology", Category: "tech", Tier: 1, BaselineScore: 8000, Subscribers: 15800000},
	{Name: "programming", Category: "tech", Tier: 1, BaselineScore: 2500, Subscribers: 6700000},
	{Name: "worldnews", Category: "news", Tier: 1, BaselineScore: 12000, Subscribers: 34000000},
	{Name: "news", Category: "news", Tier: 1, BaselineScore: 9000, Subscribers: 28000000},
	{Name: "science", Category: "science", Tier: 2, BaselineScore: 7000, Subscribers: 33000000},
	{Name: "space", Category: "science", Tier: 2, BaselineScore: 3500, Subscribers: 26000000},
	{Name: "gaming", Category: "entertainment", Tier: 2, BaselineScore: 10000, Subscribers: 41000000},
	{Name: "movies", Category: "entertainment", Tier: 2, BaselineScore: 6000, Subscribers: 33000000},
	{Name: "personalfinance", Category: "finance", Tier: 3, BaselineScore: 1500, Subscribers: 19000000},
	{Name: "wallstreetbets", Category: "finance", Tier: 3, BaselineScore: 4000, Subscribers: 16000000},
	{Name: "askscience", Category: "science", Tier: 3, BaselineScore: 1200, Subscribers: 26000000},
	{Name: "futurology", Category: "tech", Tier: 3, BaselineScore: 2000, Subscribers: 21000000},
}

// LoadSources 返回数据源清单；path 非空时读取 JSON 文件覆盖内置清单
func LoadSources(path string) ([]SourceConfig, error) {
	sources := defaultSources
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read sources file: %w", err)
		}
		var fromFile []SourceConfig
		if err := json.Unmarshal(data, &fromFile); err != nil {
			return nil, fmt.Errorf("config: parse sources file: %w", err)
		}
		if len(fromFile) == 0 {
			return nil, fmt.Errorf("config: sources file %s is empty", path)
		}
		sources = fromFile
	}

	for i, s := range sources {
		if s.Name == "" {
			return nil, fmt.Errorf("config: source %d has no name", i)
		}
		if s.Tier < 1 || s.Tier > 3 {
			return nil, fmt.Errorf("config: source %s has invalid tier %d", s.Name, s.Tier)
		}
	}

	out := make([]SourceConfig, len(sources))
	copy(out, sources)
	// tier 升序、订阅数降序，与 /sources 接口的展示顺序保持一致
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Subscribers > out[j].Subscribers
	})
	return out, nil
}

// GroupByTier 把数据源按 tier 分组，供调度器建立 job
func GroupByTier(sources []SourceConfig) map[int][]SourceConfig {
	groups := make(map[int][]SourceConfig)
	for _, s := range sources {
		groups[s.Tier] = append(groups[s.Tier], s)
	}
	return groups
}
