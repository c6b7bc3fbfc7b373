package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
}

// TokenBucket 令牌桶（基于 x/time/rate）
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket 每 interval 补充一个令牌，桶容量 burst。
// interval<=0 时不限速。
func NewTokenBucket(interval time.Duration, burst int) *TokenBucket {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &TokenBucket{limiter: rate.NewLimiter(limit, burst)}
}

// NewPerSecond 每秒 n 个请求
func NewPerSecond(n int) *TokenBucket {
	if n <= 0 {
		return NewTokenBucket(0, 1)
	}
	return NewTokenBucket(time.Second/time.Duration(n), n)
}

// Allow 不等待，能取到令牌返回 true
func (tb *TokenBucket) Allow() bool {
	return tb.limiter.Allow()
}

// Wait 阻塞直到取到令牌或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	return tb.limiter.Wait(ctx)
}

// Noop 不限速
type Noop struct{}

func (Noop) Allow() bool { return true }
func (Noop) Wait(ctx context.Context) error { return ctx.Err() }
