// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 路由引擎的指标收集器。
type Collector struct {
	invocationsTotal *prometheus.CounterVec
	invokeDuration   *prometheus.HistogramVec
	fallbacksTotal   *prometheus.CounterVec
	tokensUsed       *prometheus.CounterVec
	costUSD          *prometheus.CounterVec
	budgetBlocked    *prometheus.CounterVec
	auditDropped     prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total number of alias invocations",
		},
		[]string{"alias", "provider", "status"},
	)

	c.invokeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invoke_duration_seconds",
			Help:      "End-to-end invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"alias", "provider"},
	)

	c.fallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Invocations served by a fallback link",
		},
		[]string{"alias", "provider", "reason"},
	)

	c.tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total tokens consumed per provider/model",
		},
		[]string{"provider", "model"},
	)

	c.costUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Estimated cost in USD per provider",
		},
		[]string{"provider"},
	)

	c.budgetBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_blocked_total",
			Help:      "Chain links skipped because a key budget was exhausted",
		},
		[]string{"provider"},
	)

	c.auditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit log entries dropped because the buffer was full",
		},
	)

	return c
}

// RecordInvocation 记录一次调用结果。
func (c *Collector) RecordInvocation(aliasName, provider, status string, seconds float64) {
	c.invocationsTotal.WithLabelValues(aliasName, provider, status).Inc()
	c.invokeDuration.WithLabelValues(aliasName, provider).Observe(seconds)
}

// RecordFallback 记录一次由降级链路服务的调用。
func (c *Collector) RecordFallback(aliasName, provider, reason string) {
	c.fallbacksTotal.WithLabelValues(aliasName, provider, reason).Inc()
}

// RecordUsage 记录 token 与成本消耗。
func (c *Collector) RecordUsage(provider, model string, tokens int, costUSD float64) {
	c.tokensUsed.WithLabelValues(provider, model).Add(float64(tokens))
	c.costUSD.WithLabelValues(provider).Add(costUSD)
}

// RecordBudgetBlocked 记录一次因预算耗尽被跳过的链路。
func (c *Collector) RecordBudgetBlocked(provider string) {
	c.budgetBlocked.WithLabelValues(provider).Inc()
}

// RecordAuditDropped 记录被丢弃的审计条目。
func (c *Collector) RecordAuditDropped() {
	c.auditDropped.Inc()
}
