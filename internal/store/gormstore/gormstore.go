// Package gormstore implements store.Store on GORM. SQLite backs local runs
// and tests; PostgreSQL works through the same code.
package gormstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"drospect/internal/store"
)

// Store implements store.Store with GORM.
type Store struct {
	db *gorm.DB
	// greatest is the two-argument max function of the dialect.
	greatest string
}

var _ store.Store = (*Store)(nil)

// Open connects using a sqlite:// or postgres:// URL. "sqlite://:memory:"
// opens a private in-memory database.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database URL format: %q", dsn)
	}

	gormLogger := logger.New(log.StandardLogger(), logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
	if log.IsLevelEnabled(log.TraceLevel) {
		gormLogger = gormLogger.LogMode(logger.Info)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	s := &Store{db: db, greatest: "GREATEST"}
	if db.Dialector.Name() == "sqlite" {
		// one connection: in-memory databases are per connection and sqlite
		// serializes writers anyway
		sqlDB.SetMaxOpenConns(1)
		s.greatest = "MAX"
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return s, nil
}

// OpenMemory opens a migrated in-memory SQLite store.
func OpenMemory() (*Store, error) {
	s, err := Open("sqlite://:memory:")
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&projectRow{}, &imageRow{}, &walletRow{}, &taskRow{}, &creditTxRow{}); err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_refund
		ON credit_transactions (task_id) WHERE kind = 'refund'`).Error; err != nil {
		return fmt.Errorf("create refund index: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
