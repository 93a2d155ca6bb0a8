package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/routeflow/alias"
	"github.com/BaSui01/routeflow/audit"
	"github.com/BaSui01/routeflow/internal/metrics"
	"github.com/BaSui01/routeflow/ledger"
	"github.com/BaSui01/routeflow/providers"
	"github.com/BaSui01/routeflow/vault"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Engine 路由引擎。
// 编排一次逻辑请求：解析别名 → 构建链 → 逐环节取钥/查预算/查授权/调适配器，
// 首个成功立即返回，链走空则以终态错误收尾。
// 显式构造、依赖注入，生命周期归进程入口所有；没有包级单例。
type Engine struct {
	resolver *alias.Resolver
	vault    *vault.Vault
	ledger   *ledger.Ledger
	registry *providers.Registry
	costs    *providers.CostTable
	audit    *audit.Recorder
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *zap.Logger
}

// Options 引擎的构造参数。Metrics 可为 nil。
type Options struct {
	Resolver *alias.Resolver
	Vault    *vault.Vault
	Ledger   *ledger.Ledger
	Registry *providers.Registry
	Costs    *providers.CostTable
	Audit    *audit.Recorder
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// NewEngine 创建路由引擎。
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	costs := opts.Costs
	if costs == nil {
		costs = providers.NewCostTable()
	}
	return &Engine{
		resolver: opts.Resolver,
		vault:    opts.Vault,
		ledger:   opts.Ledger,
		registry: opts.Registry,
		costs:    costs,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		tracer:   otel.Tracer("routeflow/routing"),
		logger:   logger.With(zap.String("component", "routing_engine")),
	}
}

// linkOutcome 记录链路环节的失败，供下一环节作为降级原因。
type linkOutcome struct {
	state  attemptState
	reason string
}

// Invoke 执行一次逻辑请求。
// 链内失败（缺钥/预算/授权/厂商错误）就地恢复并降级到下一环节；
// 别名缺失、解密失败、存储失败立即传播，不尝试任何链路。
func (e *Engine) Invoke(ctx context.Context, req *Request) (*Response, error) {
	requestID := uuid.NewString()
	started := time.Now()

	ctx, span := e.tracer.Start(ctx, "routing.invoke",
		trace.WithAttributes(
			attribute.String("alias", req.AliasName),
			attribute.String("workspace_id", req.WorkspaceID),
			attribute.String("request_id", requestID),
		))
	defer span.End()

	a, err := e.resolver.Resolve(ctx, req.WorkspaceID, req.AliasName)
	if err != nil {
		var notFound *alias.NotFoundError
		if errors.As(err, &notFound) {
			return nil, err
		}
		return nil, &StorageError{Op: "resolve alias", Err: err}
	}

	if req.Capability != "" && req.Capability != a.Capability {
		return nil, &CapabilityMismatchError{
			AliasName: req.AliasName,
			Requested: string(req.Capability),
			Supported: string(a.Capability),
		}
	}

	chain := e.buildChain(a)
	e.logger.Debug("chain built",
		zap.String("alias", req.AliasName),
		zap.String("request_id", requestID),
		zap.Int("links", len(chain)))

	var last linkOutcome
	if len(chain) == 0 {
		// 主链路本身是聚合商且别名禁用聚合商时会走到这里
		last = linkOutcome{
			state:  stateProviderError,
			reason: fmt.Sprintf("no eligible providers in chain for alias %q", req.AliasName),
		}
	}
	for idx, link := range chain {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		outcome, resp, err := e.tryLink(ctx, req, a, link, idx, requestID, started, last)
		if err != nil {
			// 不可恢复：立即终止链路遍历
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}

		e.logger.Debug("link demoted",
			zap.String("alias", req.AliasName),
			zap.String("provider", link.Provider),
			zap.String("state", string(outcome.state)),
			zap.String("reason", outcome.reason))
		last = outcome
	}

	// 链走空：写一条 error 审计记录，记账到主链路厂商头上
	latency := time.Since(started).Milliseconds()
	e.record(audit.CallLog{
		RequestID:        requestID,
		WorkspaceID:      req.WorkspaceID,
		UserID:           req.UserID,
		AliasName:        req.AliasName,
		Provider:         a.PrimaryProvider,
		Model:            a.PrimaryModel,
		Modality:         string(a.Modality),
		Capability:       string(a.Capability),
		LatencyMS:        latency,
		Status:           audit.StatusError,
		ErrorMessage:     last.reason,
		FallbackUsed:     len(chain) > 1,
		FallbackReason:   last.reason,
		ProviderOfRecord: a.PrimaryProvider,
	})
	if e.metrics != nil {
		e.metrics.RecordInvocation(req.AliasName, a.PrimaryProvider, audit.StatusError,
			time.Since(started).Seconds())
	}

	return nil, &ExhaustedError{AliasName: req.AliasName, LastReason: last.reason}
}

// buildChain 构建确定性的调用链：主链路 + 按 priority 升序的降级链。
// 不允许聚合商的别名会把聚合商环节从链中剔除。
// routing_preference 只是描述性元数据，调用时绝不据此重排。
func (e *Engine) buildChain(a *alias.ModelAlias) []alias.ChainLink {
	full := alias.Chain(a)
	if a.AllowAggregators {
		return full
	}

	chain := make([]alias.ChainLink, 0, len(full))
	for _, link := range full {
		if e.registry.IsAggregator(link.Provider) {
			continue
		}
		chain = append(chain, link)
	}
	return chain
}

// tryLink 尝试链中的一个环节。
// 返回 (outcome, nil, nil) 表示该环节被就地降级；
// 返回 (_, resp, nil) 表示成功；返回错误则为不可恢复失败。
func (e *Engine) tryLink(ctx context.Context, req *Request, a *alias.ModelAlias, link alias.ChainLink, idx int, requestID string, started time.Time, prior linkOutcome) (linkOutcome, *Response, error) {
	ctx, span := e.tracer.Start(ctx, "routing.link",
		trace.WithAttributes(
			attribute.String("provider", link.Provider),
			attribute.String("model", link.Model),
			attribute.Int("link_index", idx),
		))
	defer span.End()

	adapter, err := e.registry.Get(link.Provider)
	if err != nil {
		// 链路引用了未注册的 Provider：配置错误，在调用时暴露并降级
		return linkOutcome{state: stateProviderError, reason: err.Error()}, nil, nil
	}

	key, err := e.vault.FindActiveKey(ctx, req.WorkspaceID, link.Provider)
	if errors.Is(err, vault.ErrKeyNotFound) {
		return linkOutcome{
			state:  stateKeyMissing,
			reason: fmt.Sprintf("No API key configured for provider %s", link.Provider),
		}, nil, nil
	}
	if err != nil {
		return linkOutcome{}, nil, &StorageError{Op: "find active key", Err: err}
	}

	if ok, err := e.ledger.CheckRate(ctx, key); err != nil {
		return linkOutcome{}, nil, &StorageError{Op: "check rate window", Err: err}
	} else if !ok {
		return linkOutcome{
			state:  stateRateLimited,
			reason: fmt.Sprintf("per-minute rate limit exceeded for provider %s", link.Provider),
		}, nil, nil
	}

	decision := e.ledger.CheckBudget(key)
	if !decision.Allowed {
		if e.metrics != nil {
			e.metrics.RecordBudgetBlocked(link.Provider)
		}
		return linkOutcome{state: stateBudgetBlocked, reason: decision.Reason}, nil, nil
	}
	if decision.Warning {
		e.logger.Warn("key approaching budget limit",
			zap.String("key_id", key.ID),
			zap.Float64("usage_percent", decision.UsagePercent))
	}

	if !key.HasScope(a.Modality) {
		return linkOutcome{
			state: stateScopeBlocked,
			reason: fmt.Sprintf("key %s (provider %s) is not scoped for %s modality",
				key.ID, link.Provider, a.Modality),
		}, nil, nil
	}

	plaintext, err := e.vault.DecryptKey(key)
	if err != nil {
		// 解密失败意味着加密密钥轮换事故，必须立即暴露
		return linkOutcome{}, nil, err
	}

	attemptStart := time.Now()
	provResp, err := adapter.Invoke(ctx, link.Model, plaintext, &providers.Request{
		Prompt:      req.Prompt,
		InputData:   req.InputData,
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			// 取消传播：中止链路遍历，不再尝试降级
			return linkOutcome{}, nil, ctx.Err()
		}
		if recErr := e.vault.RecordFailure(ctx, key.ID, err.Error()); recErr != nil {
			e.logger.Warn("record key failure", zap.Error(recErr))
		}
		return linkOutcome{
			state:  stateProviderError,
			reason: fmt.Sprintf("%s call failed: %v", link.Provider, err),
		}, nil, nil
	}

	usage := provResp.Usage
	if usage.CostUSD == 0 {
		usage.CostUSD = e.costs.Estimate(link.Provider, link.Model, usage)
	}

	if err := e.ledger.ApplyUsage(ctx, key.ID, usage); err != nil {
		e.logger.Error("apply usage failed",
			zap.String("key_id", key.ID),
			zap.Error(err))
	}

	latency := time.Since(started).Milliseconds()
	resp := &Response{
		Content:        provResp.Content,
		Data:           provResp.Data,
		ProviderUsed:   link.Provider,
		ModelUsed:      link.Model,
		Usage:          usage,
		LatencyMS:      latency,
		FallbackUsed:   idx > 0,
		FallbackReason: prior.reason,
		RequestID:      requestID,
	}

	e.record(audit.CallLog{
		RequestID:        requestID,
		WorkspaceID:      req.WorkspaceID,
		UserID:           req.UserID,
		AliasName:        req.AliasName,
		Provider:         link.Provider,
		Model:            link.Model,
		Modality:         string(a.Modality),
		Capability:       string(a.Capability),
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		TotalTokens:      usage.TotalTokens,
		MediaUnits:       usage.MediaUnits,
		CostUSD:          usage.CostUSD,
		LatencyMS:        time.Since(attemptStart).Milliseconds(),
		Status:           audit.StatusSuccess,
		FallbackUsed:     idx > 0,
		FallbackReason:   prior.reason,
		ProviderOfRecord: link.Provider,
	})

	if e.metrics != nil {
		e.metrics.RecordInvocation(req.AliasName, link.Provider, audit.StatusSuccess,
			time.Since(started).Seconds())
		e.metrics.RecordUsage(link.Provider, link.Model, usage.TotalTokens, usage.CostUSD)
		if idx > 0 {
			e.metrics.RecordFallback(req.AliasName, link.Provider, string(prior.state))
		}
	}

	return linkOutcome{state: stateSuccess}, resp, nil
}

func (e *Engine) record(entry audit.CallLog) {
	before := e.audit.Dropped()
	e.audit.Record(entry)
	if e.metrics != nil && e.audit.Dropped() > before {
		e.metrics.RecordAuditDropped()
	}
}
