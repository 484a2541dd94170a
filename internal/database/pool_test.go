package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/BaSui01/capflow/types"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{Conn: mockDB})
	gormDB, err := gorm.Open(dialector, &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func testPoolConfig() PoolConfig {
	return PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}
}

func TestNewPoolManager(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	config := PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 1 * time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}

	manager, err := newPoolManager("test", gormDB, config, zap.NewNop(), nil)
	require.NoError(t, err)

	assert.Same(t, gormDB, manager.DB())
	assert.Equal(t, config, manager.config)
	assert.Equal(t, 10, manager.Stats().MaxOpenConnections)

	_, err = newPoolManager("test", nil, config, nil, nil)
	assert.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := newPoolManager("test", gormDB, testPoolConfig(), zap.NewNop(), nil)
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, manager.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, manager.Ping(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransaction(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := newPoolManager("test", gormDB, testPoolConfig(), zap.NewNop(), nil)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCommit()
	err = manager.WithTransaction(context.Background(), func(tx *gorm.DB) error { return nil })
	assert.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	err = manager.WithTransaction(context.Background(), func(tx *gorm.DB) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetry(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := newPoolManager("test", gormDB, testPoolConfig(), zap.NewNop(), nil)
	require.NoError(t, err)

	attempts := 0
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()
	err = manager.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		attempts++
		if attempts == 1 {
			return assertErr("deadlock detected")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetry_RunsAtLeastOnce(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := newPoolManager("test", gormDB, testPoolConfig(), zap.NewNop(), nil)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	err = manager.WithTransactionRetry(context.Background(), 0, func(tx *gorm.DB) error {
		return assertErr("deadlock detected")
	})
	assert.EqualError(t, err, "transaction failed after 1 retries: deadlock detected")
	assert.NoError(t, mock.ExpectationsWereMet())
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestPoolManager_Close(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)

	manager, err := newPoolManager("test", gormDB, PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1, HealthCheckInterval: time.Hour}, zap.NewNop(), nil)
	require.NoError(t, err)

	mock.ExpectClose()
	assert.NoError(t, manager.Close())
	assert.NoError(t, manager.Close(), "second close is a no-op")
	assert.Error(t, manager.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
	_ = mockDB
}

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  PoolConfig
		wantErr bool
	}{
		{"valid config", PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, false},
		{"invalid max open conns", PoolConfig{MaxOpenConns: 0, MaxIdleConns: 5}, true},
		{"invalid max idle conns", PoolConfig{MaxOpenConns: 10, MaxIdleConns: 0}, true},
		{"idle > open", PoolConfig{MaxOpenConns: 5, MaxIdleConns: 10}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.NoError(t, DefaultPoolConfig().Validate())
}

// =============================================================================
// 🧪 Pools 测试
// =============================================================================

func TestPools_ReusesPoolPerConnection(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	opens := 0
	pools := NewPools(testPoolConfig(), func(kind, dsn string) (*gorm.DB, error) {
		opens++
		assert.Equal(t, "postgres", kind)
		assert.Equal(t, "host=db", dsn)
		return gormDB, nil
	}, nil, zap.NewNop())

	conn := &types.Connection{ID: "c1", Name: "main", Kind: "postgres", Content: map[string]string{"dsn": "host=db"}}

	mock.ExpectPing()
	first, err := pools.Get(context.Background(), conn)
	require.NoError(t, err)
	second, err := pools.Get(context.Background(), conn)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, opens)

	mock.ExpectClose()
	assert.NoError(t, pools.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPools_MissingDSNIsConfigError(t *testing.T) {
	pools := NewPools(testPoolConfig(), nil, nil, nil)
	_, err := pools.Get(context.Background(), &types.Connection{Name: "x", Kind: "postgres"})
	assert.True(t, types.HasCode(err, types.ErrConfig))
}

func TestDialector(t *testing.T) {
	for _, kind := range []string{"postgres", "mysql", "sqlite"} {
		d, err := Dialector(kind, "dsn")
		require.NoError(t, err, kind)
		assert.NotNil(t, d)
	}
	_, err := Dialector("oracle", "dsn")
	assert.True(t, types.HasCode(err, types.ErrConfig))
}

func TestOpen_SQLiteInMemory(t *testing.T) {
	db, err := Open("sqlite", "file::memory:")
	require.NoError(t, err)

	var one int
	require.NoError(t, db.Raw("SELECT 1").Scan(&one).Error)
	assert.Equal(t, 1, one)
}
