package routing

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/BaSui01/routeflow/alias"
	"github.com/BaSui01/routeflow/audit"
	"github.com/BaSui01/routeflow/ledger"
	"github.com/BaSui01/routeflow/providers"
	"github.com/BaSui01/routeflow/vault"
)

// scriptedProvider 行为可编程的适配器桩。
type scriptedProvider struct {
	name    string
	resp    *providers.Response
	err     error
	calls   atomic.Int32
	lastKey atomic.Value // string
	lastReq atomic.Value // *providers.Request
}

func (s *scriptedProvider) Name() string { return s.name }

func (s *scriptedProvider) Invoke(ctx context.Context, _, apiKey string, req *providers.Request) (*providers.Response, error) {
	s.calls.Add(1)
	s.lastKey.Store(apiKey)
	s.lastReq.Store(req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.resp != nil {
		return s.resp, nil
	}
	return &providers.Response{
		Content: s.name + " says hi",
		Usage:   providers.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

func (s *scriptedProvider) Verify(_ context.Context, _ string) error { return nil }

// testHarness 组装一套完整的引擎依赖。
type testHarness struct {
	db       *gorm.DB
	engine   *Engine
	vault    *vault.Vault
	registry *providers.Registry
	resolver *alias.Resolver
	recorder *audit.Recorder
	costs    *providers.CostTable
}

func newHarness(t *testing.T, adapters ...providers.Provider) *testHarness {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&vault.ProviderKey{}, &alias.ModelAlias{}, &audit.CallLog{}))

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	cipher, err := vault.NewCipher(key)
	require.NoError(t, err)

	registry := providers.NewRegistry()
	for _, a := range adapters {
		registry.Register(a.Name(), a)
	}

	logger := zaptest.NewLogger(t)
	recorder := audit.NewRecorder(db, logger)
	t.Cleanup(recorder.Close)

	v := vault.NewVault(db, cipher, registry, recorder, logger)
	resolver := alias.NewResolver(db, logger)
	costs := providers.NewCostTable()

	engine := NewEngine(Options{
		Resolver: resolver,
		Vault:    v,
		Ledger:   ledger.NewLedger(db, nil, logger),
		Registry: registry,
		Costs:    costs,
		Audit:    recorder,
		Logger:   logger,
	})

	return &testHarness{
		db: db, engine: engine, vault: v,
		registry: registry, resolver: resolver, recorder: recorder, costs: costs,
	}
}

func (h *testHarness) addKey(t *testing.T, provider string, budgets vault.Budgets) *vault.ProviderKey {
	key, err := h.vault.AddKey(context.Background(), vault.AddKeyParams{
		WorkspaceID:  "ws-1",
		UserID:       "user-1",
		Provider:     provider,
		PlaintextKey: "sk-" + provider + "-secret",
		Scopes:       vault.Scopes{Text: true},
		Budgets:      budgets,
	})
	require.NoError(t, err)
	return key
}

func (h *testHarness) saveAlias(t *testing.T, a *alias.ModelAlias) {
	a.WorkspaceID = "ws-1"
	a.Modality = alias.ModalityText
	a.Capability = alias.CapabilityChat
	a.IsActive = true
	require.NoError(t, h.resolver.Save(context.Background(), a))
}

// callLogs 排空审计队列后读取全部调用记录（verification 行除外）。
func (h *testHarness) callLogs(t *testing.T) []audit.CallLog {
	h.recorder.Close()
	var logs []audit.CallLog
	require.NoError(t, h.db.
		Where("capability != ?", string(alias.CapabilityVerification)).
		Order("created_at ASC").
		Find(&logs).Error)
	return logs
}

func TestEngine_Invoke_PrimarySuccess(t *testing.T) {
	primary := &scriptedProvider{name: "openai"}
	h := newHarness(t, primary)
	h.addKey(t, "openai", vault.Budgets{})
	h.saveAlias(t, &alias.ModelAlias{
		Name:            "smart",
		PrimaryProvider: "openai",
		PrimaryModel:    "gpt-4o",
	})

	resp, err := h.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", UserID: "user-1", AliasName: "smart", Prompt: "hi",
	})
	require.NoError(t, err)

	assert.Equal(t, "openai", resp.ProviderUsed)
	assert.Equal(t, "gpt-4o", resp.ModelUsed)
	assert.False(t, resp.FallbackUsed)
	assert.Empty(t, resp.FallbackReason)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, "sk-openai-secret", primary.lastKey.Load(), "adapter must receive the decrypted key")

	logs := h.callLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, audit.StatusSuccess, logs[0].Status)
	assert.Equal(t, resp.RequestID, logs[0].RequestID)
	assert.False(t, logs[0].FallbackUsed)
	assert.Equal(t, 15, logs[0].TotalTokens)
}

func TestEngine_Invoke_BudgetExhaustedFallsBack(t *testing.T) {
	primary := &scriptedProvider{name: "openai"}
	backup := &scriptedProvider{name: "anthropic"}
	h := newHarness(t, primary, backup)

	key := h.addKey(t, "openai", vault.Budgets{BudgetLimitUSD: 100})
	h.addKey(t, "anthropic", vault.Budgets{})
	// 主链路密钥本月已触顶
	require.NoError(t, h.db.Model(&vault.ProviderKey{}).Where("id = ?", key.ID).
		Update("current_spend_usd", 100.0).Error)

	h.saveAlias(t, &alias.ModelAlias{
		Name:            "smart",
		PrimaryProvider: "openai",
		PrimaryModel:    "gpt-4o",
		Fallbacks:       []alias.ChainLink{{Provider: "anthropic", Model: "claude-sonnet", Priority: 1}},
	})

	resp, err := h.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", AliasName: "smart", Prompt: "hi",
	})
	require.NoError(t, err)

	assert.Equal(t, "anthropic", resp.ProviderUsed)
	assert.True(t, resp.FallbackUsed)
	assert.Contains(t, resp.FallbackReason, "budget exhausted")
	assert.Zero(t, primary.calls.Load(), "blocked link must not reach the adapter")
	assert.Equal(t, int32(1), backup.calls.Load())

	logs := h.callLogs(t)
	require.Len(t, logs, 1, "one audit row per logical request")
	assert.Equal(t, audit.StatusSuccess, logs[0].Status)
	assert.True(t, logs[0].FallbackUsed)
	assert.Contains(t, logs[0].FallbackReason, "budget exhausted")
	assert.Equal(t, "anthropic", logs[0].Provider)
}

func TestEngine_Invoke_NoKeysExhaustsChain(t *testing.T) {
	h := newHarness(t, &scriptedProvider{name: "openai"}, &scriptedProvider{name: "anthropic"})
	h.saveAlias(t, &alias.ModelAlias{
		Name:            "smart",
		PrimaryProvider: "openai",
		PrimaryModel:    "gpt-4o",
		Fallbacks:       []alias.ChainLink{{Provider: "anthropic", Model: "claude-sonnet", Priority: 1}},
	})

	_, err := h.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", AliasName: "smart", Prompt: "hi",
	})
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, "smart", exhausted.AliasName)
	assert.Contains(t, exhausted.LastReason, "No API key configured")

	// 终态失败只写一条 error 记录，记在主链路厂商头上
	logs := h.callLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, audit.StatusError, logs[0].Status)
	assert.Equal(t, "openai", logs[0].ProviderOfRecord)
	assert.Contains(t, logs[0].ErrorMessage, "No API key configured")
}

func TestEngine_Invoke_RevokedKeyNeverSelected(t *testing.T) {
	primary := &scriptedProvider{name: "openai"}
	h := newHarness(t, primary)

	key := h.addKey(t, "openai", vault.Budgets{})
	require.NoError(t, h.vault.RevokeKey(context.Background(), key.ID, "user-1"))

	h.saveAlias(t, &alias.ModelAlias{
		Name:            "smart",
		PrimaryProvider: "openai",
		PrimaryModel:    "gpt-4o",
	})

	_, err := h.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", AliasName: "smart", Prompt: "hi",
	})
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Zero(t, primary.calls.Load())
}

func TestEngine_Invoke_ScopeBlockedFallsBack(t *testing.T) {
	primary := &scriptedProvider{name: "openai"}
	backup := &scriptedProvider{name: "anthropic"}
	h := newHarness(t, primary, backup)

	// openai 密钥只授权了 image，文本别名不可用
	_, err := h.vault.AddKey(context.Background(), vault.AddKeyParams{
		WorkspaceID: "ws-1", UserID: "user-1", Provider: "openai",
		PlaintextKey: "sk-openai-secret", Scopes: vault.Scopes{Image: true},
	})
	require.NoError(t, err)
	h.addKey(t, "anthropic", vault.Budgets{})

	h.saveAlias(t, &alias.ModelAlias{
		Name:            "smart",
		PrimaryProvider: "openai",
		PrimaryModel:    "gpt-4o",
		Fallbacks:       []alias.ChainLink{{Provider: "anthropic", Model: "claude-sonnet", Priority: 1}},
	})

	resp, err := h.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", AliasName: "smart", Prompt: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.ProviderUsed)
	assert.Contains(t, resp.FallbackReason, "not scoped for text modality")
	assert.Zero(t, primary.calls.Load())
}

func TestEngine_Invoke_ProviderErrorFallsBackAndRecordsFailure(t *testing.T) {
	primary := &scriptedProvider{
		name: "openai",
		err:  &providers.Error{Code: providers.ErrUpstreamError, Message: "boom", Provider: "openai"},
	}
	backup := &scriptedProvider{name: "anthropic"}
	h := newHarness(t, primary, backup)

	primaryKey := h.addKey(t, "openai", vault.Budgets{})
	h.addKey(t, "anthropic", vault.Budgets{})

	h.saveAlias(t, &alias.ModelAlias{
		Name:            "smart",
		PrimaryProvider: "openai",
		PrimaryModel:    "gpt-4o",
		Fallbacks:       []alias.ChainLink{{Provider: "anthropic", Model: "claude-sonnet", Priority: 1}},
	})

	resp, err := h.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", AliasName: "smart", Prompt: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.ProviderUsed)
	assert.Contains(t, resp.FallbackReason, "openai call failed")

	// 失败计入主链路密钥的运行统计
	var got vault.ProviderKey
	require.NoError(t, h.db.First(&got, "id = ?", primaryKey.ID).Error)
	assert.Equal(t, int64(1), got.FailedRequests)
}

func TestEngine_Invoke_ShortCircuitsOnFirstSuccess(t *testing.T) {
	primary := &scriptedProvider{name: "openai"}
	backup := &scriptedProvider{name: "anthropic"}
	h := newHarness(t, primary, backup)
	h.addKey(t, "openai", vault.Budgets{})
	h.addKey(t, "anthropic", vault.Budgets{})

	h.saveAlias(t, &alias.ModelAlias{
		Name:            "smart",
		PrimaryProvider: "openai",
		PrimaryModel:    "gpt-4o",
		Fallbacks:       []alias.ChainLink{{Provider: "anthropic", Model: "claude-sonnet", Priority: 1}},
	})

	_, err := h.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", AliasName: "smart", Prompt: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Zero(t, backup.calls.Load(), "chain walk must stop at the first success")
}

func TestEngine_Invoke_AliasNotFound(t *testing.T) {
	h := newHarness(t, &scriptedProvider{name: "openai"})

	_, err := h.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", AliasName: "ghost", Prompt: "hi",
	})
	var notFound *alias.NotFoundError
	require.True(t, errors.As(err, &notFound))

	// 别名缺失不产生任何审计记录
	assert.Empty(t, h.callLogs(t))
}

func TestEngine_Invoke_DecryptFailurePropagates(t *testing.T) {
	primary := &scriptedProvider{name: "openai"}
	backup := &scriptedProvider{name: "anthropic"}
	h := newHarness(t, primary, backup)

	key := h.addKey(t, "openai", vault.Budgets{})
	h.addKey(t, "anthropic", vault.Budgets{})
	// 模拟加密密钥轮换事故：密文无法解密
	require.NoError(t, h.db.Model(&vault.ProviderKey{}).Where("id = ?", key.ID).
		Update("ciphertext", "Z2FyYmFnZS1jaXBoZXJ0ZXh0LWRhdGE=").Error)

	h.saveAlias(t, &alias.ModelAlias{
		Name:            "smart",
		PrimaryProvider: "openai",
		PrimaryModel:    "gpt-4o",
		Fallbacks:       []alias.ChainLink{{Provider: "anthropic", Model: "claude-sonnet", Priority: 1}},
	})

	_, err := h.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", AliasName: "smart", Prompt: "hi",
	})
	require.Error(t, err)

	var ve *vault.Error
	require.True(t, errors.As(err, &ve), "decrypt failure must surface as a typed vault error")
	assert.Zero(t, backup.calls.Load(), "decrypt failure must not demote to the next link")
}

func TestEngine_Invoke_CancellationStopsChainWalk(t *testing.T) {
	primary := &scriptedProvider{
		name: "openai",
		err:  context.Canceled,
	}
	backup := &scriptedProvider{name: "anthropic"}
	h := newHarness(t, primary, backup)
	h.addKey(t, "openai", vault.Budgets{})
	h.addKey(t, "anthropic", vault.Budgets{})

	h.saveAlias(t, &alias.ModelAlias{
		Name:            "smart",
		PrimaryProvider: "openai",
		PrimaryModel:    "gpt-4o",
		Fallbacks:       []alias.ChainLink{{Provider: "anthropic", Model: "claude-sonnet", Priority: 1}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.Invoke(ctx, &Request{
		WorkspaceID: "ws-1", AliasName: "smart", Prompt: "hi",
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, backup.calls.Load())
}

func TestEngine_Invoke_AggregatorFiltered(t *testing.T) {
	backup := &scriptedProvider{name: "openrouter"}
	h := newHarness(t)
	h.registry.Register("openai", &scriptedProvider{name: "openai"})
	h.registry.RegisterAggregator("openrouter", backup)
	h.addKey(t, "openrouter", vault.Budgets{})

	// 不允许聚合商：openrouter 环节被剔除，链上只剩缺钥的主链路
	h.saveAlias(t, &alias.ModelAlias{
		Name:             "strict",
		PrimaryProvider:  "openai",
		PrimaryModel:     "gpt-4o",
		Fallbacks:        []alias.ChainLink{{Provider: "openrouter", Model: "auto", Priority: 1}},
		AllowAggregators: false,
	})

	_, err := h.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", AliasName: "strict", Prompt: "hi",
	})
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Zero(t, backup.calls.Load())

	// 允许聚合商的别名正常降级到 openrouter
	h2 := newHarness(t)
	backup2 := &scriptedProvider{name: "openrouter"}
	h2.registry.Register("openai", &scriptedProvider{name: "openai"})
	h2.registry.RegisterAggregator("openrouter", backup2)
	h2.addKey(t, "openrouter", vault.Budgets{})
	h2.saveAlias(t, &alias.ModelAlias{
		Name:             "open",
		PrimaryProvider:  "openai",
		PrimaryModel:     "gpt-4o",
		Fallbacks:        []alias.ChainLink{{Provider: "openrouter", Model: "auto", Priority: 1}},
		AllowAggregators: true,
	})

	resp, err := h2.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", AliasName: "open", Prompt: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "openrouter", resp.ProviderUsed)
}

func TestEngine_Invoke_CostEstimatedAndApplied(t *testing.T) {
	// 适配器不回传费用，由注入价格表估算
	primary := &scriptedProvider{
		name: "openai",
		resp: &providers.Response{
			Content: "ok",
			Usage:   providers.Usage{InputTokens: 2000, OutputTokens: 1000, TotalTokens: 3000},
		},
	}
	h := newHarness(t, primary)
	h.costs.SetPrice(providers.ModelPrice{
		Provider: "openai", Model: "gpt-4o", PriceInput: 0.005, PriceOutput: 0.015,
	})

	key := h.addKey(t, "openai", vault.Budgets{})
	h.saveAlias(t, &alias.ModelAlias{
		Name:            "smart",
		PrimaryProvider: "openai",
		PrimaryModel:    "gpt-4o",
	})

	resp, err := h.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", AliasName: "smart", Prompt: "hi",
	})
	require.NoError(t, err)

	wantCost := 0.005*2 + 0.015*1
	assert.InDelta(t, wantCost, resp.Usage.CostUSD, 1e-9)

	// 记账落到密钥的月度计数
	var got vault.ProviderKey
	require.NoError(t, h.db.First(&got, "id = ?", key.ID).Error)
	assert.InDelta(t, wantCost, got.CurrentSpendUSD, 1e-9)
	assert.Equal(t, int64(3000), got.CurrentTokens)
	assert.Equal(t, int64(1), got.CurrentRequests)
}

func TestEngine_Invoke_OptionsReachAdapter(t *testing.T) {
	primary := &scriptedProvider{name: "openai"}
	h := newHarness(t, primary)
	h.addKey(t, "openai", vault.Budgets{})
	h.saveAlias(t, &alias.ModelAlias{
		Name:            "smart",
		PrimaryProvider: "openai",
		PrimaryModel:    "gpt-4o",
	})

	_, err := h.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", AliasName: "smart", Prompt: "hi",
		Options: InvokeOptions{Temperature: 0.3, MaxTokens: 64},
	})
	require.NoError(t, err)

	got, ok := primary.lastReq.Load().(*providers.Request)
	require.True(t, ok)
	assert.Equal(t, float32(0.3), got.Temperature)
	assert.Equal(t, 64, got.MaxTokens)

	// 请求体里的调参仍挂在 options 键下
	var decoded Request
	require.NoError(t, json.Unmarshal(
		[]byte(`{"alias_name":"smart","options":{"temperature":0.5,"max_tokens":128}}`), &decoded))
	assert.Equal(t, float32(0.5), decoded.Options.Temperature)
	assert.Equal(t, 128, decoded.Options.MaxTokens)
}

func TestEngine_Invoke_AggregatorPrimaryBlockedReportsReason(t *testing.T) {
	primary := &scriptedProvider{name: "openrouter"}
	h := newHarness(t)
	h.registry.RegisterAggregator("openrouter", primary)
	h.addKey(t, "openrouter", vault.Budgets{})

	// 主链路本身是聚合商且别名禁用聚合商：链被过滤成空
	h.saveAlias(t, &alias.ModelAlias{
		Name:             "strict",
		PrimaryProvider:  "openrouter",
		PrimaryModel:     "auto",
		AllowAggregators: false,
	})

	_, err := h.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", AliasName: "strict", Prompt: "hi",
	})
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Contains(t, exhausted.LastReason, "no eligible providers in chain")
	assert.Zero(t, primary.calls.Load())

	logs := h.callLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, audit.StatusError, logs[0].Status)
	assert.Contains(t, logs[0].ErrorMessage, "no eligible providers in chain")
	assert.Equal(t, "openrouter", logs[0].ProviderOfRecord)
}

func TestEngine_Invoke_CapabilityMismatchRejected(t *testing.T) {
	primary := &scriptedProvider{name: "openai"}
	h := newHarness(t, primary)
	h.addKey(t, "openai", vault.Budgets{})
	h.saveAlias(t, &alias.ModelAlias{
		Name:            "smart",
		PrimaryProvider: "openai",
		PrimaryModel:    "gpt-4o",
	})

	// 别名配置为 chat，请求声明 embedding：调用方错误，不走任何链路
	_, err := h.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", AliasName: "smart", Prompt: "hi",
		Capability: alias.CapabilityEmbedding,
	})
	require.Error(t, err)

	var mismatch *CapabilityMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "smart", mismatch.AliasName)
	assert.Equal(t, string(alias.CapabilityChat), mismatch.Supported)
	assert.Zero(t, primary.calls.Load())
	assert.Empty(t, h.callLogs(t))

	// 与别名能力一致（或不声明）时照常放行
	resp, err := h.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", AliasName: "smart", Prompt: "hi",
		Capability: alias.CapabilityChat,
	})
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.ProviderUsed)
}

func TestEngine_Invoke_UnregisteredProviderDemotes(t *testing.T) {
	backup := &scriptedProvider{name: "anthropic"}
	h := newHarness(t, backup)
	h.addKey(t, "anthropic", vault.Budgets{})

	// 主链路引用了未注册的 Provider：配置错误按链内失败处理
	h.saveAlias(t, &alias.ModelAlias{
		Name:            "smart",
		PrimaryProvider: "nonexistent",
		PrimaryModel:    "whatever",
		Fallbacks:       []alias.ChainLink{{Provider: "anthropic", Model: "claude-sonnet", Priority: 1}},
	})

	resp, err := h.engine.Invoke(context.Background(), &Request{
		WorkspaceID: "ws-1", AliasName: "smart", Prompt: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.ProviderUsed)
	assert.Contains(t, resp.FallbackReason, "no adapter registered")
}
