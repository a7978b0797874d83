package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sdko-org/blog-api/internal/config"
	"github.com/sdko-org/blog-api/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type PostgresConfig struct {
	URL               string
	User              string
	Password          string
	Host              string
	Port              string
	DBName            string
	SSLMode           string
	PoolMin           int
	PoolMax           int
	IdleTimeout       time.Duration
	ConnectionTimeout time.Duration
	StatementTimeout  time.Duration
	EnableLogging     bool
}

func PostgresConfigFrom(cfg config.DatabaseConfig) PostgresConfig {
	return PostgresConfig{
		URL:               cfg.URL,
		User:              cfg.User,
		Password:          cfg.Password,
		Host:              cfg.Host,
		Port:              cfg.Port,
		DBName:            cfg.Name,
		SSLMode:           cfg.SSLMode,
		PoolMin:           cfg.PoolMin,
		PoolMax:           cfg.PoolMax,
		IdleTimeout:       cfg.IdleTimeout,
		ConnectionTimeout: cfg.ConnectionTimeout,
		StatementTimeout:  cfg.StatementTimeout,
		EnableLogging:     cfg.EnableLogging,
	}
}

// DSN prefers DATABASE_URL and appends the connect and statement timeouts
// as connection parameters.
func (c PostgresConfig) DSN() string {
	connectSecs := int(c.ConnectionTimeout.Seconds())
	if connectSecs < 1 {
		connectSecs = 1
	}
	statementMs := c.StatementTimeout.Milliseconds()

	if c.URL != "" {
		sep := "?"
		if strings.Contains(c.URL, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sconnect_timeout=%d&statement_timeout=%d", c.URL, sep, connectSecs, statementMs)
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d statement_timeout=%d",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode, connectSecs, statementMs)
}

func NewPostgresDB(logger *logrus.Logger, cfg PostgresConfig) (*gorm.DB, error) {
	log := logger.WithFields(logrus.Fields{
		"component": "database",
		"host":      cfg.Host,
		"database":  cfg.DBName,
	})

	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	}
	if cfg.EnableLogging {
		gormCfg.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	}

	var db *gorm.DB
	var err error
	const maxRetries = 5
	retryDelay := 2 * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err = gorm.Open(postgres.Open(cfg.DSN()), gormCfg)
		if err == nil {
			break
		}

		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err,
		}).Warn("Database connection failed")

		if attempt < maxRetries {
			time.Sleep(retryDelay)
			retryDelay *= 2
		}
	}

	if err != nil {
		log.WithError(err).Error("Failed to connect to database after retries")
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	if err := ConfigurePool(db, cfg); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"pool_min": cfg.PoolMin,
		"pool_max": cfg.PoolMax,
	}).Info("Database connection established")
	return db, nil
}

func ConfigurePool(db *gorm.DB, cfg PostgresConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.PoolMax)
	sqlDB.SetMaxIdleConns(cfg.PoolMin)
	sqlDB.SetConnMaxIdleTime(cfg.IdleTimeout)
	return nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.Session{},
		&models.Account{},
		&models.Blog{},
		&models.AccessLog{},
	); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	return nil
}

type PoolStats struct {
	Total   int   `json:"total"`
	Idle    int   `json:"idle"`
	InUse   int   `json:"in_use"`
	Waiting int64 `json:"waiting"`
}

func Stats(db *gorm.DB) (PoolStats, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return PoolStats{}, err
	}
	s := sqlDB.Stats()
	return PoolStats{
		Total:   s.OpenConnections,
		Idle:    s.Idle,
		InUse:   s.InUse,
		Waiting: s.WaitCount,
	}, nil
}

func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
