package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/routeflow/providers"
	"github.com/BaSui01/routeflow/vault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 预算判定阈值（百分比）。
const (
	warnPercent  = 80.0
	blockPercent = 100.0
)

// Decision 一次预算检查的结论。
type Decision struct {
	Allowed      bool    `json:"allowed"`
	Warning      bool    `json:"warning"`
	Reason       string  `json:"reason,omitempty"`
	UsagePercent float64 `json:"usage_percent"`
}

// Ledger 预算台账。
// 回答"这次调用允许吗"，并在调用成功后记账。
// 同一密钥上的并发记账必须线性化：自增在存储层一条 UPDATE 完成，
// 绝不做读-改-写三步。
type Ledger struct {
	db     *gorm.DB
	window *RateWindow
	logger *zap.Logger
}

// NewLedger 创建预算台账。window 可为 nil（不做每分钟限速）。
func NewLedger(db *gorm.DB, window *RateWindow, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		db:     db,
		window: window,
		logger: logger.With(zap.String("component", "budget_ledger")),
	}
}

// CheckBudget 判定密钥当前是否可用。
// 达到 100% 即拒绝；达到 80% 仍放行但带警告；未配置上限时始终放行。
// 检查的语义是"调用前未满"，压过上限的那一笔调用本身是允许的。
func (l *Ledger) CheckBudget(key *vault.ProviderKey) Decision {
	spend, tokens, requests := effectiveUsage(key, time.Now().UTC())

	percent := 0.0
	if key.BudgetLimitUSD > 0 {
		percent = maxf(percent, spend/key.BudgetLimitUSD*100)
	}
	if key.TokenLimitMonthly > 0 {
		percent = maxf(percent, float64(tokens)/float64(key.TokenLimitMonthly)*100)
	}
	if key.RequestLimitMonthly > 0 {
		percent = maxf(percent, float64(requests)/float64(key.RequestLimitMonthly)*100)
	}

	switch {
	case percent >= blockPercent:
		return Decision{
			Allowed:      false,
			UsagePercent: percent,
			Reason: fmt.Sprintf("monthly budget exhausted for key %s: %.1f%% used ($%.4f of $%.4f)",
				key.ID, percent, spend, key.BudgetLimitUSD),
		}
	case percent >= warnPercent:
		return Decision{Allowed: true, Warning: true, UsagePercent: percent,
			Reason: fmt.Sprintf("budget warning: %.1f%% of monthly limit used", percent)}
	default:
		return Decision{Allowed: true, UsagePercent: percent}
	}
}

// CheckRate 判定密钥的每分钟速率窗口是否还有余量。
// 未配置限速或未启用窗口时始终放行。
func (l *Ledger) CheckRate(ctx context.Context, key *vault.ProviderKey) (bool, error) {
	if l.window == nil || key.RateLimitPerMinute <= 0 {
		return true, nil
	}
	return l.window.Allow(ctx, key.ID, key.RateLimitPerMinute)
}

// ApplyUsage 原子地把一次成功调用的用量计入密钥。
// 月度窗口按自然月滚动；滚动与自增都是单条 UPDATE，
// 并发调用之间不会丢失更新。
func (l *Ledger) ApplyUsage(ctx context.Context, keyID string, usage providers.Usage) error {
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	// 跨月后第一笔记账先滚动窗口
	err := l.db.WithContext(ctx).Model(&vault.ProviderKey{}).
		Where("id = ? AND period_start < ?", keyID, monthStart).
		Updates(map[string]any{
			"current_spend_usd": 0,
			"current_tokens":    0,
			"current_requests":  0,
			"period_start":      monthStart,
		}).Error
	if err != nil {
		return fmt.Errorf("roll usage window: %w", err)
	}

	result := l.db.WithContext(ctx).Model(&vault.ProviderKey{}).
		Where("id = ?", keyID).
		Updates(map[string]any{
			"current_spend_usd": gorm.Expr("current_spend_usd + ?", usage.CostUSD),
			"current_tokens":    gorm.Expr("current_tokens + ?", int64(usage.TotalTokens)),
			"current_requests":  gorm.Expr("current_requests + 1"),
			"total_requests":    gorm.Expr("total_requests + 1"),
			"last_used_at":      now,
		})
	if result.Error != nil {
		return fmt.Errorf("apply usage: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("apply usage: key %s not found", keyID)
	}
	return nil
}

// effectiveUsage 返回当前自然月内有效的用量。
// 密钥的窗口落后于当前月份时，计数视为已清零。
func effectiveUsage(key *vault.ProviderKey, now time.Time) (spend float64, tokens, requests int64) {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if key.PeriodStart.Before(monthStart) {
		return 0, 0, 0
	}
	return key.CurrentSpendUSD, key.CurrentTokens, key.CurrentRequests
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
