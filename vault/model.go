package vault

import (
	"time"

	"github.com/BaSui01/routeflow/alias"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// KeyStatus 密钥状态。
type KeyStatus string

const (
	KeyStatusActive   KeyStatus = "active"
	KeyStatusInactive KeyStatus = "inactive" // 显式吊销
	KeyStatusInvalid  KeyStatus = "invalid"  // 验证失败
	KeyStatusExpired  KeyStatus = "expired"
	KeyStatusRotating KeyStatus = "rotating"
)

// ProviderKey 一条存储的厂商凭据。
// 明文密钥只在 Vault 内部出现；库里只存密文和展示用的后四位。
// 被日志引用期间不做物理删除，吊销走状态软删除。
type ProviderKey struct {
	ID          string `gorm:"primaryKey;size:36"`
	WorkspaceID string `gorm:"size:36;not null;index:idx_key_workspace_provider"`
	UserID      string `gorm:"size:36;not null"`
	Provider    string `gorm:"size:64;not null;index:idx_key_workspace_provider"`
	Label       string `gorm:"size:100"`

	Ciphertext string `gorm:"type:text;not null"`
	Last4      string `gorm:"size:4"`

	// 模态授权标志：别名的模态未被授权时该密钥不可用
	ScopeText  bool `gorm:"default:false"`
	ScopeImage bool `gorm:"default:false"`
	ScopeAudio bool `gorm:"default:false"`
	ScopeVideo bool `gorm:"default:false"`

	Status KeyStatus `gorm:"size:16;not null;default:active"`

	// 月度预算上限，0 表示不限制
	BudgetLimitUSD      float64 `gorm:"default:0"`
	TokenLimitMonthly   int64   `gorm:"default:0"`
	RequestLimitMonthly int64   `gorm:"default:0"`
	RateLimitPerMinute  int     `gorm:"default:0"`

	// 当前计费周期（自然月）的用量计数
	CurrentSpendUSD float64   `gorm:"default:0"`
	CurrentTokens   int64     `gorm:"default:0"`
	CurrentRequests int64     `gorm:"default:0"`
	PeriodStart     time.Time `gorm:"index"`

	// 运行统计
	TotalRequests  int64  `gorm:"default:0"`
	FailedRequests int64  `gorm:"default:0"`
	LastError      string `gorm:"type:text"`
	LastUsedAt     *time.Time
	LastErrorAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BeforeCreate 生成 UUID 主键并初始化计费周期。
func (k *ProviderKey) BeforeCreate(_ *gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.PeriodStart.IsZero() {
		now := time.Now().UTC()
		k.PeriodStart = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return nil
}

// TableName 指定表名。
func (ProviderKey) TableName() string { return "provider_keys" }

// HasScope 报告密钥是否被授权服务给定模态。
func (k *ProviderKey) HasScope(m alias.Modality) bool {
	switch m {
	case alias.ModalityText:
		return k.ScopeText
	case alias.ModalityImage:
		return k.ScopeImage
	case alias.ModalityAudio:
		return k.ScopeAudio
	case alias.ModalityVideo:
		return k.ScopeVideo
	default:
		return false
	}
}

// Scopes 描述一个密钥的模态授权集合，供 AddKey 使用。
type Scopes struct {
	Text  bool `json:"text"`
	Image bool `json:"image"`
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Budgets 描述密钥的预算与限速配置，供 AddKey 使用。0 表示不限制。
type Budgets struct {
	BudgetLimitUSD      float64 `json:"budget_limit_usd"`
	TokenLimitMonthly   int64   `json:"token_limit_monthly"`
	RequestLimitMonthly int64   `json:"request_limit_monthly"`
	RateLimitPerMinute  int     `json:"rate_limit_per_minute"`
}

// KeyStats 密钥统计信息（不含任何机密）。
type KeyStats struct {
	KeyID           string     `json:"key_id"`
	Provider        string     `json:"provider"`
	Label           string     `json:"label"`
	Last4           string     `json:"last4"`
	Status          KeyStatus  `json:"status"`
	CurrentSpendUSD float64    `json:"current_spend_usd"`
	CurrentTokens   int64      `json:"current_tokens"`
	CurrentRequests int64      `json:"current_requests"`
	TotalRequests   int64      `json:"total_requests"`
	FailedRequests  int64      `json:"failed_requests"`
	LastUsedAt      *time.Time `json:"last_used_at"`
	LastErrorAt     *time.Time `json:"last_error_at"`
	LastError       string     `json:"last_error,omitempty"`
}
