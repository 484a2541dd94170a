package store

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/capflow/types"
)

// CapabilityRecord 能力定义表（由外部管理端维护，capflow 只读）
type CapabilityRecord struct {
	ID           string          `gorm:"primaryKey;size:64" json:"id"`
	Name         string          `gorm:"size:200;not null;index" json:"name"`
	Description  string          `gorm:"type:text" json:"description"`
	Enabled      bool            `gorm:"default:true" json:"enabled"`
	ConnectionID string          `gorm:"size:64" json:"connection_id"`
	Kind         string          `gorm:"size:50;not null" json:"kind"`
	Settings     []SettingRecord `gorm:"foreignKey:CapabilityID" json:"settings,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TableName 指定表名
func (CapabilityRecord) TableName() string { return "capabilities" }

// SettingRecord 能力配置项，Position 保留原始顺序
type SettingRecord struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	CapabilityID  string `gorm:"size:64;not null;index:idx_capability_position" json:"capability_id"`
	Position      int    `gorm:"not null;index:idx_capability_position" json:"position"`
	DisplayName   string `gorm:"size:200" json:"display_name"`
	Code          string `gorm:"size:100;not null" json:"code"`
	Value         string `gorm:"type:text" json:"value"`
	FileExtension string `gorm:"size:20" json:"file_extension"`
}

// TableName 指定表名
func (SettingRecord) TableName() string { return "capability_settings" }

// ConnectionRecord 连接定义表，Content 为 JSON 对象
type ConnectionRecord struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"size:200;not null" json:"name"`
	Kind      string    `gorm:"size:50;not null" json:"kind"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `gorm:"size:100" json:"created_by"`
}

// TableName 指定表名
func (ConnectionRecord) TableName() string { return "connections" }

func (r *CapabilityRecord) definition() *types.Definition {
	content := make(types.Content, 0, len(r.Settings))
	for _, s := range r.Settings {
		content = append(content, types.Setting{
			DisplayName:   s.DisplayName,
			Code:          s.Code,
			Value:         s.Value,
			FileExtension: s.FileExtension,
		})
	}
	return &types.Definition{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		Enabled:      r.Enabled,
		ConnectionID: r.ConnectionID,
		Kind:         types.Kind(r.Kind),
		Content:      content,
	}
}

func (r *ConnectionRecord) connection() (*types.Connection, error) {
	content := map[string]string{}
	if r.Content != "" {
		if err := json.Unmarshal([]byte(r.Content), &content); err != nil {
			return nil, types.NewConfigError("content", "connection "+r.Name+" has invalid content").WithCause(err)
		}
	}
	return &types.Connection{
		ID:        r.ID,
		Name:      r.Name,
		Kind:      r.Kind,
		Content:   content,
		CreatedAt: r.CreatedAt,
		CreatedBy: r.CreatedBy,
	}, nil
}
