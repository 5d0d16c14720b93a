package fetcher

import (
	"errors"
	"fmt"
)

// Error 抓取失败的类型化错误。Retryable 区分可重试（限流、网络抖动、
// 上游 5xx）与终止性失败（非法请求、认证失败等 4xx）。
type Error struct {
	Source     string
	StatusCode int
	Retryable  bool
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s status %d after %d attempt(s): %v", e.Source, kind, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s after %d attempt(s): %v", e.Source, kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable 判断错误是否为可重试的抓取失败
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
