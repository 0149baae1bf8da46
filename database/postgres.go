package database

import (
	"fmt"
	"time"

	"bulk-order-service/models"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config selects and addresses the ledger database.
type Config struct {
	Driver     string // "postgres" (default) or "sqlite"
	Host       string
	Port       string
	User       string
	Password   string
	Name       string
	SSLMode    string
	TimeZone   string
	SQLitePath string
}

// DSN renders the postgres connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		c.Host, c.User, c.Password, c.Name, c.Port, c.SSLMode, c.TimeZone,
	)
}

func (c Config) dialector() (gorm.Dialector, error) {
	switch c.Driver {
	case "", "postgres":
		return postgres.Open(c.DSN()), nil
	case "sqlite":
		path := c.SQLitePath
		if path == "" {
			path = "bulk_orders.db"
		}
		// WAL plus a busy timeout keeps concurrent progress writers from failing on SQLITE_BUSY.
		return sqlite.Open(path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"), nil
	default:
		return nil, fmt.Errorf("unsupported DB driver %q", c.Driver)
	}
}

// Connect opens the ledger database with retries and migrates the ledger tables.
func Connect(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	dialector, err := cfg.dialector()
	if err != nil {
		return nil, err
	}

	gormCfg := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	}

	var db *gorm.DB
	for i := 0; i < 10; i++ {
		db, err = gorm.Open(dialector, gormCfg)
		if err == nil {
			break
		}
		logger.Warn("DB connection failed, retrying",
			zap.Int("attempt", i+1),
			zap.String("driver", cfg.Driver),
			zap.Error(err),
		)
		time.Sleep(time.Duration(i+1) * 2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s after retries: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if cfg.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.AutoMigrate(&models.Operation{}, &models.ProgressEntry{}); err != nil {
		return nil, fmt.Errorf("AutoMigrate failed: %w", err)
	}

	logger.Info("Connected to ledger database", zap.String("driver", cfg.Driver))
	return db, nil
}

func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}
