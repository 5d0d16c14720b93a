package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trendlens/trendlens/internal/config"
)

func testUpstreamConfig(baseURL string) config.UpstreamConfig {
	return config.UpstreamConfig{
		BaseURL:        baseURL,
		UserAgent:      "trendlens-test/1.0",
		Timeout:        2 * time.Second,
		MaxAttempts:    3,
		BackoffBase:    5 * time.Millisecond,
		RequestsPerMin: 60000,
		QuotaMargin:    10,
		Concurrency:    4,
		FetchLimit:     25,
	}
}

func listingBody(n int) string {
	body := `{"data":{"children":[`
	for i := 0; i < n; i++ {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"data":{"id":"item%d","title":"Title %d","score":%d,"num_comments":%d,"upvote_ratio":0.9,"created_utc":%d,"permalink":"/r/test/item%d"}}`,
			i, i, (i+1)*100, (i+1)*10, time.Now().Add(-2*time.Hour).Unix(), i)
	}
	return body + `]}}`
}

func sources(names ...string) []config.SourceConfig {
	out := make([]config.SourceConfig, 0, len(names))
	for _, n := range names {
		out = append(out, config.SourceConfig{Name: n, Category: "tech", Tier: 1, BaselineScore: 100})
	}
	return out
}

func TestFetchManyParsesListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/r/technology/hot.json", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		w.Header().Set("X-Ratelimit-Remaining", "590.0")
		w.Header().Set("X-Ratelimit-Reset", "300")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, listingBody(3))
	}))
	defer srv.Close()

	c := NewClient(testUpstreamConfig(srv.URL))
	results := c.FetchMany(context.Background(), sources("technology"), Options{})

	res := results["technology"]
	require.NoError(t, res.Err)
	require.Len(t, res.Items, 3)
	assert.Equal(t, "item0", res.Items[0].ID)
	assert.Equal(t, "Title 0", res.Items[0].Title)
	assert.InDelta(t, 100, res.Items[0].Score, 0.001)
	assert.Equal(t, 10, res.Items[0].NumComments)
	assert.InDelta(t, 0.9, res.Items[0].UpvoteRatio, 0.001)
	assert.Zero(t, res.Retries)

	status := c.RateLimitStatus()
	assert.InDelta(t, 590.0, status.Remaining, 0.001)
	assert.True(t, status.Healthy)
	assert.WithinDuration(t, time.Now().Add(300*time.Second), status.ResetAt, 5*time.Second)
}

func TestThrottledThenSuccessRecordsOneRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("X-Ratelimit-Remaining", "0")
			w.Header().Set("X-Ratelimit-Reset", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("X-Ratelimit-Remaining", "500")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, listingBody(1))
	}))
	defer srv.Close()

	c := NewClient(testUpstreamConfig(srv.URL))
	results := c.FetchMany(context.Background(), sources("technology"), Options{})

	res := results["technology"]
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Retries, "exactly one retry expected")
	assert.Len(t, res.Items, 1)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestBadRequestFailsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(testUpstreamConfig(srv.URL))
	results := c.FetchMany(context.Background(), sources("nosuchsub"), Options{})

	res := results["nosuchsub"]
	require.Error(t, res.Err)
	assert.False(t, IsRetryable(res.Err))
	assert.Zero(t, res.Retries, "4xx must not be retried")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	var fe *Error
	require.ErrorAs(t, res.Err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
}

func TestServerErrorRetriesUntilExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testUpstreamConfig(srv.URL)
	c := NewClient(cfg)
	results := c.FetchMany(context.Background(), sources("technology"), Options{})

	res := results["technology"]
	require.Error(t, res.Err)
	assert.True(t, IsRetryable(res.Err))
	assert.Equal(t, cfg.MaxAttempts-1, res.Retries)
	assert.EqualValues(t, cfg.MaxAttempts, atomic.LoadInt32(&calls))
}

func TestQuotaBelowMarginIsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Ratelimit-Remaining", "3")
		w.Header().Set("X-Ratelimit-Reset", "120")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, listingBody(1))
	}))
	defer srv.Close()

	c := NewClient(testUpstreamConfig(srv.URL))
	c.FetchMany(context.Background(), sources("technology"), Options{})

	status := c.RateLimitStatus()
	assert.False(t, status.Healthy, "remaining below safety margin must be unhealthy")
}

func TestThrottledWithoutResetHeaderIsUnhealthy(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			// 限流响应不带重置时间头
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("X-Ratelimit-Remaining", "500")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, listingBody(1))
	}))
	defer srv.Close()

	c := NewClient(testUpstreamConfig(srv.URL))
	results := c.FetchMany(context.Background(), sources("technology"), Options{})
	require.Error(t, results["technology"].Err)

	status := c.RateLimitStatus()
	assert.False(t, status.Healthy, "a throttling response alone must flip unhealthy, reset header or not")

	// 下一次非限流响应清除标记
	results = c.FetchMany(context.Background(), sources("technology"), Options{})
	require.NoError(t, results["technology"].Err)
	assert.True(t, c.RateLimitStatus().Healthy)
}

func TestFetchManyIsolatesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/r/broken/hot.json" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, listingBody(2))
	}))
	defer srv.Close()

	c := NewClient(testUpstreamConfig(srv.URL))
	results := c.FetchMany(context.Background(), sources("technology", "broken"), Options{})

	require.Len(t, results, 2)
	assert.NoError(t, results["technology"].Err)
	assert.Len(t, results["technology"].Items, 2)
	assert.Error(t, results["broken"].Err)
}

func TestTopSortPassesTimeRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/r/technology/top.json", r.URL.Path)
		assert.Equal(t, "day", r.URL.Query().Get("t"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, listingBody(1))
	}))
	defer srv.Close()

	c := NewClient(testUpstreamConfig(srv.URL))
	res := c.FetchMany(context.Background(), sources("technology"), Options{Sort: "top", TimeRange: "day"})
	require.NoError(t, res["technology"].Err)
}
