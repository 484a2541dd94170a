package store

import (
	"context"
	"testing"

	"github.com/BaSui01/capflow/capability"
	"github.com/BaSui01/capflow/internal/database"
	"github.com/BaSui01/capflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func seededDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open("sqlite", "file::memory:")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&CapabilityRecord{}, &SettingRecord{}, &ConnectionRecord{}))

	require.NoError(t, db.Create(&CapabilityRecord{
		ID: "c1", Name: "weather", Enabled: true, Kind: "rest_api", ConnectionID: "api",
		Settings: []SettingRecord{
			{Position: 2, Code: "Path", Value: "/weather"},
			{Position: 1, Code: "Method", Value: "GET"},
		},
	}).Error)
	require.NoError(t, db.Create(&CapabilityRecord{ID: "c2", Name: "archived", Enabled: true, Kind: "code"}).Error)
	require.NoError(t, db.Model(&CapabilityRecord{}).Where("id = ?", "c2").Update("enabled", false).Error)

	require.NoError(t, db.Create(&ConnectionRecord{ID: "k1", Name: "api", Kind: "rest", Content: `{"base_url":"https://x"}`}).Error)
	require.NoError(t, db.Create(&ConnectionRecord{ID: "k2", Name: "broken", Kind: "rest", Content: `{not json`}).Error)
	return db
}

func TestRepository_Load(t *testing.T) {
	repo := NewRepository(seededDB(t), zap.NewNop())

	snap, err := repo.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Capabilities, 2)
	archived, weather := snap.Capabilities[0], snap.Capabilities[1]
	assert.False(t, archived.Enabled)
	assert.Equal(t, types.KindRESTAPI, weather.Kind)
	assert.Equal(t, []string{"Method", "Path"}, weather.Content.Codes())

	require.Len(t, snap.Connections, 1, "connection with invalid content is skipped")
	assert.Equal(t, "https://x", snap.Connections[0].Value("base_url"))

	lib := capability.NewLibrary(snap, nil)
	assert.Len(t, lib.Enabled(), 1)
}

func TestRepository_LoadFailsWithoutTables(t *testing.T) {
	db, err := database.Open("sqlite", "file::memory:")
	require.NoError(t, err)

	_, err = NewRepository(db, nil).Load(context.Background())
	assert.Error(t, err)
}
