package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/routeflow/alias"
	"github.com/BaSui01/routeflow/audit"
	"github.com/BaSui01/routeflow/providers"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrKeyNotFound 密钥不存在。
	ErrKeyNotFound = errors.New("provider key not found")
	// ErrAccessDenied 调用者不是密钥属主。
	ErrAccessDenied = errors.New("access denied: caller does not own this key")
)

// verifyTimeout 是入库探测调用的超时上限。
const verifyTimeout = 15 * time.Second

// Vault 加密凭据仓库。
// 负责密钥的验证、加密存储、吊销与状态管理；
// 明文密钥离开 Vault 的唯一途径是 DecryptKey 返回给路由引擎。
type Vault struct {
	db       *gorm.DB
	cipher   *Cipher
	registry *providers.Registry
	audit    *audit.Recorder
	logger   *zap.Logger
}

// NewVault 创建凭据仓库。
func NewVault(db *gorm.DB, cipher *Cipher, registry *providers.Registry, recorder *audit.Recorder, logger *zap.Logger) *Vault {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vault{
		db:       db,
		cipher:   cipher,
		registry: registry,
		audit:    recorder,
		logger:   logger.With(zap.String("component", "vault")),
	}
}

// AddKeyParams AddKey 的入参。
type AddKeyParams struct {
	WorkspaceID  string
	UserID       string
	Provider     string
	Label        string
	PlaintextKey string
	Scopes       Scopes
	Budgets      Budgets
}

// AddKey 验证、加密并持久化一条厂商凭据。
// 验证失败不阻止入库：密钥以 invalid 状态落库，结果通过状态暴露给调用方。
// 副作用：写一条 capability=verification 的审计记录。
func (v *Vault) AddKey(ctx context.Context, p AddKeyParams) (*ProviderKey, error) {
	if p.PlaintextKey == "" {
		return nil, fmt.Errorf("plaintext key is empty")
	}

	adapter, err := v.registry.Get(p.Provider)
	if err != nil {
		return nil, err
	}

	status := KeyStatusActive
	verifyErr := v.verify(ctx, adapter, p.PlaintextKey)
	if verifyErr != nil {
		status = KeyStatusInvalid
		v.logger.Warn("key verification failed",
			zap.String("provider", p.Provider),
			zap.String("workspace_id", p.WorkspaceID),
			zap.Error(verifyErr))
	}

	ciphertext, err := v.cipher.Encrypt(p.PlaintextKey)
	if err != nil {
		return nil, err
	}

	last4 := p.PlaintextKey
	if len(last4) > 4 {
		last4 = last4[len(last4)-4:]
	}

	key := &ProviderKey{
		WorkspaceID:         p.WorkspaceID,
		UserID:              p.UserID,
		Provider:            p.Provider,
		Label:               p.Label,
		Ciphertext:          ciphertext,
		Last4:               last4,
		ScopeText:           p.Scopes.Text,
		ScopeImage:          p.Scopes.Image,
		ScopeAudio:          p.Scopes.Audio,
		ScopeVideo:          p.Scopes.Video,
		Status:              status,
		BudgetLimitUSD:      p.Budgets.BudgetLimitUSD,
		TokenLimitMonthly:   p.Budgets.TokenLimitMonthly,
		RequestLimitMonthly: p.Budgets.RequestLimitMonthly,
		RateLimitPerMinute:  p.Budgets.RateLimitPerMinute,
	}

	if err := v.db.WithContext(ctx).Create(key).Error; err != nil {
		return nil, fmt.Errorf("persist provider key: %w", err)
	}

	entry := audit.CallLog{
		WorkspaceID:      p.WorkspaceID,
		UserID:           p.UserID,
		Provider:         p.Provider,
		Capability:       string(alias.CapabilityVerification),
		Status:           audit.StatusSuccess,
		ProviderOfRecord: p.Provider,
	}
	if verifyErr != nil {
		entry.Status = audit.StatusError
		entry.ErrorMessage = verifyErr.Error()
	}
	v.audit.Record(entry)

	return key, nil
}

func (v *Vault) verify(ctx context.Context, adapter providers.Provider, plaintextKey string) error {
	verifyCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()
	return adapter.Verify(verifyCtx, plaintextKey)
}

// RevokeKey 吊销密钥。只有属主可以吊销；吊销后的密钥不会再被路由选中。
func (v *Vault) RevokeKey(ctx context.Context, keyID, callerUserID string) error {
	var key ProviderKey
	err := v.db.WithContext(ctx).Where("id = ?", keyID).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("load provider key: %w", err)
	}
	if key.UserID != callerUserID {
		return ErrAccessDenied
	}

	return v.db.WithContext(ctx).Model(&ProviderKey{}).
		Where("id = ?", keyID).
		Update("status", KeyStatusInactive).Error
}

// FindActiveKey 查找 (workspace, provider) 下状态为 active 的密钥。
// 没有可用密钥时返回 ErrKeyNotFound。
func (v *Vault) FindActiveKey(ctx context.Context, workspaceID, provider string) (*ProviderKey, error) {
	var key ProviderKey
	err := v.db.WithContext(ctx).
		Where("workspace_id = ? AND provider = ? AND status = ?", workspaceID, provider, KeyStatusActive).
		Order("created_at ASC").
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active key: %w", err)
	}
	return &key, nil
}

// DecryptKey 解密密钥明文。失败以 *vault.Error 暴露，调用链不得吞掉。
func (v *Vault) DecryptKey(key *ProviderKey) (string, error) {
	return v.cipher.Decrypt(key.Ciphertext)
}

// RecordFailure 记录一次该密钥上的失败调用（原子自增）。
func (v *Vault) RecordFailure(ctx context.Context, keyID, errMsg string) error {
	now := time.Now().UTC()
	return v.db.WithContext(ctx).Model(&ProviderKey{}).
		Where("id = ?", keyID).
		Updates(map[string]any{
			"total_requests":  gorm.Expr("total_requests + 1"),
			"failed_requests": gorm.Expr("failed_requests + 1"),
			"last_error":      errMsg,
			"last_error_at":   now,
		}).Error
}

// ListKeys 返回工作区内全部密钥的统计信息（不含机密）。
func (v *Vault) ListKeys(ctx context.Context, workspaceID string) ([]KeyStats, error) {
	var keys []ProviderKey
	err := v.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("created_at ASC").
		Find(&keys).Error
	if err != nil {
		return nil, err
	}

	stats := make([]KeyStats, 0, len(keys))
	for _, k := range keys {
		stats = append(stats, KeyStats{
			KeyID:           k.ID,
			Provider:        k.Provider,
			Label:           k.Label,
			Last4:           k.Last4,
			Status:          k.Status,
			CurrentSpendUSD: k.CurrentSpendUSD,
			CurrentTokens:   k.CurrentTokens,
			CurrentRequests: k.CurrentRequests,
			TotalRequests:   k.TotalRequests,
			FailedRequests:  k.FailedRequests,
			LastUsedAt:      k.LastUsedAt,
			LastErrorAt:     k.LastErrorAt,
			LastError:       k.LastError,
		})
	}
	return stats, nil
}
