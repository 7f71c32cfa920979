// Package repository provides the data access layer using GORM.
package repository

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/aimd54/loyalty-ledger/internal/config"
	"github.com/aimd54/loyalty-ledger/internal/models"
	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

// DB holds the database connection.
type DB struct {
	*gorm.DB
}

// NewDB opens a connection using the configured driver.
func NewDB(cfg *config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.Postgres.DSN())
	case "mysql":
		dialector = mysql.Open(cfg.MySQL.DSN())
	case "sqlite":
		return OpenSQLite(cfg.SQLite.Path, log)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormConfig(log))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.Pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Pool.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Pool.ConnMaxLifetime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("driver", cfg.Driver).
		Msg("Connected to database")

	return &DB{db}, nil
}

// OpenSQLite opens a SQLite database at path. ":memory:" databases are
// pinned to a single connection so every query sees the same schema.
func OpenSQLite(path string, log *logger.Logger) (*DB, error) {
	if log == nil {
		log = logger.Nop()
	}

	db, err := gorm.Open(sqlite.Open(path), gormConfig(log))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %q: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	log.Info().Str("path", path).Msg("Opened SQLite database")

	return &DB{db}, nil
}

func gormConfig(log *logger.Logger) *gorm.Config {
	return &gorm.Config{
		Logger:         logger.NewGormLogger(log, 200*time.Millisecond),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// AutoMigrate creates or updates tables for all models.
func (db *DB) AutoMigrate() error {
	return db.DB.AutoMigrate(
		&models.Profile{},
		&models.Transaction{},
		&models.MonthlyWinner{},
		&models.RolloverRun{},
		&models.Reward{},
		&models.OutboxMessage{},
	)
}

// Close closes the database connection.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health checks if the database is healthy.
func (db *DB) Health() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Transaction runs fn inside a database transaction bound to a DB wrapper,
// so repositories can be rebuilt on top of it with WithTx.
func (db *DB) Transaction(fn func(tx *DB) error) error {
	return db.DB.Transaction(func(tx *gorm.DB) error {
		return fn(&DB{tx})
	})
}
