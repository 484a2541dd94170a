package store

import (
	"context"
	"fmt"

	"github.com/BaSui01/capflow/capability"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Repository 只读的能力与连接定义仓库，实现 capability.Loader
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository 创建仓库
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, logger: logger.With(zap.String("component", "store"))}
}

// Load 读取全部能力定义（含配置项，按 Position 排序）与连接定义。
// 禁用的定义同样返回，由 capability.Library 过滤。
func (r *Repository) Load(ctx context.Context) (capability.Snapshot, error) {
	var records []CapabilityRecord
	err := r.db.WithContext(ctx).
		Preload("Settings", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Order("name ASC").
		Find(&records).Error
	if err != nil {
		return capability.Snapshot{}, fmt.Errorf("load capabilities: %w", err)
	}

	var connRecords []ConnectionRecord
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&connRecords).Error; err != nil {
		return capability.Snapshot{}, fmt.Errorf("load connections: %w", err)
	}

	var snap capability.Snapshot
	for i := range records {
		snap.Capabilities = append(snap.Capabilities, records[i].definition())
	}
	for i := range connRecords {
		conn, err := connRecords[i].connection()
		if err != nil {
			r.logger.Warn("skipping connection with invalid content",
				zap.String("name", connRecords[i].Name), zap.Error(err))
			continue
		}
		snap.Connections = append(snap.Connections, conn)
	}

	r.logger.Debug("definitions loaded",
		zap.Int("capabilities", len(snap.Capabilities)),
		zap.Int("connections", len(snap.Connections)))
	return snap, nil
}

var _ capability.Loader = (*Repository)(nil)
