package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/derivflow/internal/config"
	"github.com/sawpanic/derivflow/internal/persistence/memory"
)

func TestNewManager_DisabledFallsBackToMemory(t *testing.T) {
	manager, err := NewManager(config.DatabaseConfig{Enabled: false})
	require.NoError(t, err)

	assert.False(t, manager.IsEnabled())
	assert.Nil(t, manager.DB())
	assert.IsType(t, &memory.Store{}, manager.Repository())

	check := manager.Health().Health(context.Background())
	assert.True(t, check.Healthy)
	assert.Equal(t, "memory", check.Backend)

	version, err := manager.Migrate()
	assert.NoError(t, err)
	assert.Zero(t, version)
	assert.NoError(t, manager.Close())
}

func TestNewManager_MissingDSN(t *testing.T) {
	_, err := NewManager(config.DatabaseConfig{Enabled: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DSN is required")
}

func TestManagerWithDB_Health(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	manager := NewManagerWithDB(sqlx.NewDb(sqlDB, "sqlmock"), config.DatabaseConfig{QueryTimeout: time.Second})
	assert.True(t, manager.IsEnabled())
	assert.NotNil(t, manager.Repository())

	mock.ExpectPing()
	check := manager.Health().Health(context.Background())
	assert.True(t, check.Healthy)
	assert.Equal(t, "postgres", check.Backend)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	check = manager.Health().Health(context.Background())
	assert.False(t, check.Healthy)
	require.Len(t, check.Errors, 1)
	assert.Contains(t, check.Errors[0], "connection refused")

	mock.ExpectClose()
	require.NoError(t, manager.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
