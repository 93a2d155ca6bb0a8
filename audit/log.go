package audit

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 调用状态。
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// CallLog 一次调用尝试的不可变审计记录。
// 每个逻辑请求在成功或最终失败时写一行；中间降级尝试不单独成行，
// 失败原因经由 FallbackReason 传递（刻意的取舍，不是疏漏）。
// 行创建后永不修改。
type CallLog struct {
	ID        string `gorm:"primaryKey;size:36"`
	RequestID string `gorm:"size:36;index"`

	WorkspaceID string `gorm:"size:36;index"`
	UserID      string `gorm:"size:36"`

	AliasName  string `gorm:"size:100;index"`
	Provider   string `gorm:"size:64"`
	Model      string `gorm:"size:128"`
	Modality   string `gorm:"size:16"`
	Capability string `gorm:"size:16"`

	InputTokens  int     `gorm:"default:0"`
	OutputTokens int     `gorm:"default:0"`
	TotalTokens  int     `gorm:"default:0"`
	MediaUnits   int     `gorm:"default:0"`
	CostUSD      float64 `gorm:"default:0"`
	LatencyMS    int64   `gorm:"default:0"`

	Status       string `gorm:"size:16;not null"`
	ErrorMessage string `gorm:"type:text"`

	FallbackUsed     bool   `gorm:"default:false"`
	FallbackReason   string `gorm:"type:text"`
	ProviderOfRecord string `gorm:"size:64"`

	CreatedAt time.Time `gorm:"index"`
}

// BeforeCreate 生成 UUID 主键。
func (l *CallLog) BeforeCreate(_ *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

// TableName 指定表名。
func (CallLog) TableName() string { return "ai_call_logs" }

// UsageSummary 按别名与厂商聚合的用量读模型，供配置界面消费。
type UsageSummary struct {
	AliasName    string  `json:"alias_name"`
	Provider     string  `json:"provider"`
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}
