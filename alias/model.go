package alias

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Modality 内容模态。密钥的 scope 标志按模态授权。
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityAudio Modality = "audio"
	ModalityVideo Modality = "video"
)

// Capability 能力类型，必须与模态匹配。
type Capability string

const (
	CapabilityChat       Capability = "chat"
	CapabilityCompletion Capability = "completion"
	CapabilityEmbedding  Capability = "embedding"
	CapabilityGenerate   Capability = "generate"
	CapabilityEdit       Capability = "edit"
	CapabilityVariation  Capability = "variation"
	CapabilitySTT        Capability = "stt"
	CapabilityTTS        Capability = "tts"
	CapabilityCaption    Capability = "caption"

	// CapabilityVerification 是密钥入库探测写审计日志时使用的能力标记
	CapabilityVerification Capability = "verification"
)

// modalityCapabilities 定义各模态允许的能力集合。
var modalityCapabilities = map[Modality][]Capability{
	ModalityText:  {CapabilityChat, CapabilityCompletion, CapabilityEmbedding},
	ModalityImage: {CapabilityGenerate, CapabilityEdit, CapabilityVariation},
	ModalityAudio: {CapabilitySTT, CapabilityTTS},
	ModalityVideo: {CapabilityGenerate, CapabilityCaption},
}

// ValidFor 报告能力是否允许用于给定模态。
func (c Capability) ValidFor(m Modality) bool {
	for _, allowed := range modalityCapabilities[m] {
		if allowed == c {
			return true
		}
	}
	return false
}

// RoutingPreference 路由偏好，仅作为链构建时的描述性元数据。
// 引擎不据此在调用时重排链：链顺序是唯一的权威顺序。
type RoutingPreference string

const (
	PreferQuality RoutingPreference = "quality"
	PreferSpeed   RoutingPreference = "speed"
	PreferCost    RoutingPreference = "cost"
)

// ChainLink 降级链中的一个环节。
type ChainLink struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Priority int    `json:"priority"`
}

// ModelAlias 命名的路由策略，按 (workspace, name) 唯一。
// 删除走停用（IsActive=false）而非物理删除，保持日志引用完整。
type ModelAlias struct {
	ID          string `gorm:"primaryKey;size:36"`
	WorkspaceID string `gorm:"size:36;not null;uniqueIndex:idx_alias_workspace_name"`
	Name        string `gorm:"size:100;not null;uniqueIndex:idx_alias_workspace_name"`

	Modality   Modality   `gorm:"size:16;not null"`
	Capability Capability `gorm:"size:16;not null"`

	PrimaryProvider string      `gorm:"size:64;not null"`
	PrimaryModel    string      `gorm:"size:128;not null"`
	Fallbacks       []ChainLink `gorm:"serializer:json"`

	RoutingPreference RoutingPreference `gorm:"size:16;default:quality"`
	AllowAggregators  bool              `gorm:"default:false"`
	IsActive          bool              `gorm:"default:true"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BeforeCreate 生成 UUID 主键。
func (a *ModelAlias) BeforeCreate(_ *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// TableName 指定表名。
func (ModelAlias) TableName() string { return "model_aliases" }
