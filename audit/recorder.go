package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultBuffer = 256

// Recorder 尽力而为的异步审计写入器。
// 写路径绝不阻塞响应路径：缓冲满时丢弃并计数，
// 写库失败记入诊断计数并打日志，从不向调用方传播。
// 丢一行日志好过让一次本已成功的用户调用失败。
type Recorder struct {
	db     *gorm.DB
	logger *zap.Logger

	ch      chan CallLog
	dropped atomic.Int64
	failed  atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewRecorder 创建并启动审计写入器。
func NewRecorder(db *gorm.DB, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		db:     db,
		logger: logger.With(zap.String("component", "audit_recorder")),
		ch:     make(chan CallLog, defaultBuffer),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record 将一条审计记录排入写队列。非阻塞：队列满或写入器已关闭时丢弃并计数。
func (r *Recorder) Record(entry CallLog) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}

	select {
	case r.ch <- entry:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("audit buffer full, entry dropped",
			zap.String("request_id", entry.RequestID),
			zap.Int64("dropped_total", n))
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for entry := range r.ch {
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.db.WithContext(writeCtx).Create(&entry).Error
		cancel()
		if err != nil {
			r.failed.Add(1)
			r.logger.Warn("audit write failed",
				zap.String("request_id", entry.RequestID),
				zap.Error(err))
		}
	}
}

// Close 停止接收新记录并等待队列排空。
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Dropped 返回因缓冲满而丢弃的记录数。
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Failed 返回写库失败的记录数。
func (r *Recorder) Failed() int64 { return r.failed.Load() }

// Summarize 按别名与厂商聚合成功调用的用量指标。
func (r *Recorder) Summarize(ctx context.Context, workspaceID string) ([]UsageSummary, error) {
	var out []UsageSummary
	err := r.db.WithContext(ctx).Model(&CallLog{}).
		Select(`alias_name, provider,
			COUNT(*) AS requests,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS errors,
			SUM(total_tokens) AS total_tokens,
			SUM(cost_usd) AS total_cost_usd,
			AVG(latency_ms) AS avg_latency_ms`, StatusError).
		Where("workspace_id = ?", workspaceID).
		Group("alias_name, provider").
		Order("alias_name ASC, provider ASC").
		Scan(&out).Error
	return out, err
}
