package state

import (
	"sync"
	"time"
)

// rateLimiter 滑动窗口计数器，键为 gameId:playerId
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	buckets map[string][]time.Time
}

func newRateLimiter(window time.Duration, max int) *rateLimiter {
	return &rateLimiter{
		window:  window,
		max:     max,
		buckets: make(map[string][]time.Time),
	}
}

// Allow 记录一次请求并判断是否超限
func (l *rateLimiter) Allow(key string) bool {
	if l.max <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	times := l.buckets[key]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.max {
		l.buckets[key] = kept
		return false
	}

	l.buckets[key] = append(kept, now)
	return true
}

// Peek 只读检查键是否已达上限，不记录请求
func (l *rateLimiter) Peek(key string) bool {
	if l.max <= 0 {
		return true
	}

	cutoff := time.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for _, t := range l.buckets[key] {
		if t.After(cutoff) {
			count++
		}
	}
	return count < l.max
}

// Prune 清理空闲键，返回清理数量
func (l *rateLimiter) Prune() int {
	cutoff := time.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, times := range l.buckets {
		live := false
		for _, t := range times {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Size 当前跟踪的键数量
func (l *rateLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
