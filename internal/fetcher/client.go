package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/trendlens/trendlens/internal/config"
)

// Client 面向论坛 listing API 的抓取客户端。所有出站请求先过本地限速器，
// 返回后解析配额头部，保证调用方随时能拿到最新的配额快照。
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	cfg     config.UpstreamConfig

	mu        sync.Mutex
	remaining float64
	resetAt   time.Time
	throttled bool
}

type listingResponse struct {
	Data struct {
		Children []struct {
			Data struct {
				ID          string  `json:"id"`
				Title       string  `json:"title"`
				Score       float64 `json:"score"`
				NumComments int     `json:"num_comments"`
				UpvoteRatio float64 `json:"upvote_ratio"`
				CreatedUTC  float64 `json:"created_utc"`
				Permalink   string  `json:"permalink"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

func NewClient(cfg config.UpstreamConfig) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent).
		// 重试由 fetchOne 自己控制，便于区分可重试/终止性错误并统计次数
		SetRetryCount(0)

	rps := rate.Limit(float64(cfg.RequestsPerMin) / 60.0)
	return &Client{
		http:      httpClient,
		limiter:   rate.NewLimiter(rps, cfg.Concurrency),
		cfg:       cfg,
		remaining: -1, // 未知，首个响应前视为健康
	}
}

// FetchMany 并发抓取一批数据源，每个源独立返回结果或错误，
// 单个源失败不影响其他源。
func (c *Client) FetchMany(ctx context.Context, sources []config.SourceConfig, opts Options) map[string]SourceResult {
	results := make(map[string]SourceResult, len(sources))

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, c.cfg.Concurrency)
	)
	for _, src := range sources {
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			items, retries, err := c.fetchOne(ctx, src.Name, opts)
			mu.Lock()
			results[src.Name] = SourceResult{Items: items, Retries: retries, Err: err}
			mu.Unlock()
		}()
	}
	wg.Wait()

	return results
}

// fetchOne 抓取单个源。429/5xx 按指数退避重试，4xx 立即失败。
func (c *Client) fetchOne(ctx context.Context, source string, opts Options) ([]RawItem, int, error) {
	sort := opts.Sort
	if sort == "" {
		sort = "hot"
	}
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = c.cfg.FetchLimit
	}

	path := fmt.Sprintf("/r/%s/%s.json", source, sort)

	var lastErr error
	retries := 0
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			retries++
			// 指数退避：base, 2*base, 4*base...
			delay := c.cfg.BackoffBase << (attempt - 2)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, retries, &Error{Source: source, Retryable: true, Attempts: attempt - 1, Err: ctx.Err()}
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, retries, &Error{Source: source, Retryable: true, Attempts: attempt, Err: err}
		}

		req := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":    strconv.Itoa(limit),
				"raw_json": "1",
			}).
			SetResult(&listingResponse{})
		if opts.TimeRange != "" {
			req.SetQueryParam("t", opts.TimeRange)
		}

		resp, err := req.Get(path)
		if err != nil {
			// 网络层错误一律视为可重试
			lastErr = &Error{Source: source, Retryable: true, Attempts: attempt, Err: err}
			continue
		}

		c.updateQuota(resp)

		code := resp.StatusCode()
		switch {
		case code == http.StatusOK:
			listing, ok := resp.Result().(*listingResponse)
			if !ok || listing == nil {
				return nil, retries, &Error{Source: source, StatusCode: code, Attempts: attempt, Err: fmt.Errorf("unexpected response shape")}
			}
			return toRawItems(listing), retries, nil

		case code == http.StatusTooManyRequests || code >= 500:
			lastErr = &Error{Source: source, StatusCode: code, Retryable: true, Attempts: attempt, Err: fmt.Errorf("upstream returned %d", code)}
			continue

		default:
			// 其余 4xx：请求本身有问题，重试无意义
			return nil, retries, &Error{Source: source, StatusCode: code, Attempts: attempt, Err: fmt.Errorf("upstream returned %d", code)}
		}
	}

	return nil, retries, lastErr
}

// updateQuota 从响应头部刷新配额快照
func (c *Client) updateQuota(resp *resty.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := resp.Header().Get("X-Ratelimit-Remaining"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.remaining = f
		}
	}
	if v := resp.Header().Get("X-Ratelimit-Reset"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			c.resetAt = time.Now().Add(time.Duration(secs * float64(time.Second)))
		}
	}
	// 被限流后标记为不健康，直到配额窗口重置
	c.throttled = resp.StatusCode() == http.StatusTooManyRequests
}

// RateLimitStatus 返回当前配额快照。最近一次响应是限流、
// 或剩余配额低于安全余量时视为不健康。限流标记由下一次
// 非限流响应清除，不依赖上游是否给出重置时间。
func (c *Client) RateLimitStatus() RateLimitStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	healthy := true
	if c.throttled {
		healthy = false
	}
	if c.remaining >= 0 && c.remaining < float64(c.cfg.QuotaMargin) {
		healthy = false
	}
	return RateLimitStatus{
		Remaining: c.remaining,
		ResetAt:   c.resetAt,
		Healthy:   healthy,
	}
}

func toRawItems(listing *listingResponse) []RawItem {
	items := make([]RawItem, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		d := child.Data
		items = append(items, RawItem{
			ID:          d.ID,
			Title:       d.Title,
			Score:       d.Score,
			NumComments: d.NumComments,
			UpvoteRatio: d.UpvoteRatio,
			CreatedUTC:  time.Unix(int64(d.CreatedUTC), 0).UTC(),
			Permalink:   d.Permalink,
		})
	}
	return items
}
