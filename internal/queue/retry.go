package queue

import "time"

const (
	// initialBackoff は再配送の初回遅延（5秒）。
	initialBackoff = 5 * time.Second
	// maxBackoff は再配送遅延の上限（10分）。
	maxBackoff = 10 * time.Minute
)

// CalculateBackoff は失敗回数に基づいて再配送までの遅延を計算する。
// 初回5秒、2倍ずつ増加、最大10分。
func CalculateBackoff(failures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
