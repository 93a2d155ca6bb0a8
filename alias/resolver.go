package alias

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NotFoundError 表示别名不存在或未激活。
type NotFoundError struct {
	WorkspaceID string
	Name        string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("model alias %q not found in workspace %s", e.Name, e.WorkspaceID)
}

// Resolver 将别名解析为路由策略。
// 解析是廉价且无副作用的：不校验适配器是否注册，
// 未注册的 Provider 是配置错误，在调用时由引擎暴露。
type Resolver struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewResolver 创建别名解析器。
func NewResolver(db *gorm.DB, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{db: db, logger: logger.With(zap.String("component", "alias_resolver"))}
}

// Resolve 按 (workspace, name) 查找激活的别名。
// 停用或缺失都返回 *NotFoundError。
func (r *Resolver) Resolve(ctx context.Context, workspaceID, name string) (*ModelAlias, error) {
	var a ModelAlias
	err := r.db.WithContext(ctx).
		Where("workspace_id = ? AND name = ? AND is_active = ?", workspaceID, name, true).
		First(&a).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{WorkspaceID: workspaceID, Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve alias %q: %w", name, err)
	}
	return &a, nil
}

// Chain 构建调用链：主链路在前，降级链按 priority 升序排列，
// 相同 priority 保持配置顺序。链顺序是确定性的。
func Chain(a *ModelAlias) []ChainLink {
	chain := make([]ChainLink, 0, 1+len(a.Fallbacks))
	chain = append(chain, ChainLink{Provider: a.PrimaryProvider, Model: a.PrimaryModel})

	fallbacks := make([]ChainLink, len(a.Fallbacks))
	copy(fallbacks, a.Fallbacks)
	sort.SliceStable(fallbacks, func(i, j int) bool {
		return fallbacks[i].Priority < fallbacks[j].Priority
	})

	return append(chain, fallbacks...)
}

// Save 创建或更新别名配置。能力与模态不匹配时拒绝。
func (r *Resolver) Save(ctx context.Context, a *ModelAlias) error {
	if !a.Capability.ValidFor(a.Modality) {
		return fmt.Errorf("capability %q is not valid for modality %q", a.Capability, a.Modality)
	}
	return r.db.WithContext(ctx).Save(a).Error
}

// Deactivate 停用别名。保留行以维持调用日志的引用完整性。
func (r *Resolver) Deactivate(ctx context.Context, workspaceID, name string) error {
	result := r.db.WithContext(ctx).Model(&ModelAlias{}).
		Where("workspace_id = ? AND name = ?", workspaceID, name).
		Update("is_active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &NotFoundError{WorkspaceID: workspaceID, Name: name}
	}
	return nil
}

// List 返回工作区内的全部别名（含停用），供配置界面使用。
func (r *Resolver) List(ctx context.Context, workspaceID string) ([]ModelAlias, error) {
	var aliases []ModelAlias
	err := r.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("name ASC").
		Find(&aliases).Error
	return aliases, err
}
