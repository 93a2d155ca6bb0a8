package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateWindow 密钥级每分钟速率窗口。
// 多实例部署时用 Redis 计数器（INCR + EXPIRE）共享窗口；
// 未配置 Redis 时退化为进程内 rate.Limiter，单实例语义等价。
type RateWindow struct {
	rdb    redis.UniversalClient
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateWindow 创建速率窗口。rdb 可为 nil，此时使用进程内限速器。
func NewRateWindow(rdb redis.UniversalClient, logger *zap.Logger) *RateWindow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateWindow{
		rdb:      rdb,
		logger:   logger.With(zap.String("component", "rate_window")),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow 报告密钥在当前 60 秒窗口内是否还有调用余量。
func (w *RateWindow) Allow(ctx context.Context, keyID string, limitPerMinute int) (bool, error) {
	if limitPerMinute <= 0 {
		return true, nil
	}
	if w.rdb != nil {
		return w.allowRedis(ctx, keyID, limitPerMinute)
	}
	return w.allowLocal(keyID, limitPerMinute), nil
}

func (w *RateWindow) allowRedis(ctx context.Context, keyID string, limitPerMinute int) (bool, error) {
	window := time.Now().UTC().Unix() / 60
	counter := fmt.Sprintf("routeflow:rate:%s:%d", keyID, window)

	pipe := w.rdb.TxPipeline()
	incr := pipe.Incr(ctx, counter)
	pipe.Expire(ctx, counter, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate window incr: %w", err)
	}

	return incr.Val() <= int64(limitPerMinute), nil
}

func (w *RateWindow) allowLocal(keyID string, limitPerMinute int) bool {
	w.mu.Lock()
	limiter, ok := w.limiters[keyID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(limitPerMinute)/60.0), limitPerMinute)
		w.limiters[keyID] = limiter
	}
	w.mu.Unlock()

	return limiter.Allow()
}
