package scim

import (
	"context"
	"time"
)

// StatusResult はHTTPステータスコードに基づくリクエスト結果の分類。
type StatusResult int

const (
	// StatusResultOK は成功（2xx）。
	StatusResultOK StatusResult = iota
	// StatusResultRetry は再試行で回復し得る失敗（429/5xx）。
	StatusResultRetry
	// StatusResultFail は再試行しない失敗（4xxなど）。設定不備として扱う。
	StatusResultFail
)

// ClassifyHTTPStatus はHTTPステータスコードを分類する。
func ClassifyHTTPStatus(statusCode int) StatusResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusResultOK
	case statusCode == 429:
		return StatusResultRetry
	case statusCode >= 500:
		return StatusResultRetry
	default:
		return StatusResultFail
	}
}

// RetryPolicy は一時的な失敗に対する再試行の設定。
type RetryPolicy struct {
	// MaxAttempts は初回を含む最大試行回数（デフォルト: 3）。
	MaxAttempts int
	// BaseDelay は指数バックオフの初回遅延（デフォルト: 200ms）。
	BaseDelay time.Duration
	// MaxDelay はバックオフ遅延の上限（デフォルト: 5秒）。
	MaxDelay time.Duration
}

// DefaultRetryPolicy はデフォルトの再試行設定を返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Backoff は attempt 回目の失敗後に待つ時間を返す（attemptは1始まり）。
// BaseDelayから2倍ずつ増加し、MaxDelayで頭打ちになる。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// sleep はコンテキストを尊重しながら d だけ待機する。
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
