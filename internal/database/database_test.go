package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/sdko-org/blog-api/internal/database"
	"github.com/sdko-org/blog-api/internal/database/dbtest"
	"github.com/sdko-org/blog-api/internal/logging"
	"github.com/sdko-org/blog-api/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSNFromParts(t *testing.T) {
	cfg := database.PostgresConfig{
		User: "u", Password: "p", Host: "db", Port: "5432", DBName: "blog", SSLMode: "disable",
		ConnectionTimeout: 5 * time.Second,
		StatementTimeout:  30 * time.Second,
	}

	assert.Equal(t,
		"host=db port=5432 user=u password=p dbname=blog sslmode=disable connect_timeout=5 statement_timeout=30000",
		cfg.DSN())
}

func TestDSNFromURL(t *testing.T) {
	cfg := database.PostgresConfig{
		URL:               "postgres://u:p@db:5432/blog?sslmode=require",
		ConnectionTimeout: 500 * time.Millisecond,
		StatementTimeout:  time.Second,
	}

	assert.Equal(t, "postgres://u:p@db:5432/blog?sslmode=require&connect_timeout=1&statement_timeout=1000", cfg.DSN())

	cfg.URL = "postgres://db/blog"
	assert.Equal(t, "postgres://db/blog?connect_timeout=1&statement_timeout=1000", cfg.DSN())
}

func TestPoolConfigurationAndStats(t *testing.T) {
	db, err := dbtest.Open()
	require.NoError(t, err)

	require.NoError(t, database.ConfigurePool(db, database.PostgresConfig{PoolMin: 1, PoolMax: 3, IdleTimeout: time.Second}))
	require.NoError(t, database.Ping(context.Background(), db))

	stats, err := database.Stats(db)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Total, 1)
}

func TestPurgeRemovesExpiredRecords(t *testing.T) {
	db, err := dbtest.Open()
	require.NoError(t, err)
	now := time.Now()

	user := models.User{Name: "Ada", Email: "ada@example.com", Role: models.RoleUser, Provider: models.ProviderSystem}
	require.NoError(t, db.Create(&user).Error)
	require.NoError(t, db.Create(&models.Session{UserID: user.ID, Token: "old", ExpiresAt: now.Add(-time.Hour)}).Error)
	require.NoError(t, db.Create(&models.Session{UserID: user.ID, Token: "live", ExpiresAt: now.Add(time.Hour)}).Error)
	require.NoError(t, db.Create(&models.AccessLog{Timestamp: now.Add(-10 * 24 * time.Hour), Method: "GET", Path: "/", ClientIP: "x"}).Error)
	require.NoError(t, db.Create(&models.AccessLog{Timestamp: now, Method: "GET", Path: "/", ClientIP: "x"}).Error)

	logger := logging.Discard()
	purger := database.NewPurger(logger, db, time.Hour, 7*24*time.Hour)
	sessions, logs := purger.Purge(context.Background(), logger.WithField("component", "purger"))

	assert.Equal(t, int64(1), sessions)
	assert.Equal(t, int64(1), logs)

	var remaining []models.Session
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "live", remaining[0].Token)
}
