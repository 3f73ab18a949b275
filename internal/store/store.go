// Package store persists run records via GORM, backed by SQLite
// (pure Go, no CGO) or PostgreSQL.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/sandstorm/internal/config"
)

// RunRecord is one agent run: who asked, where it ran, and how it ended.
// Kept-alive runs carry a deadline so the reaper can destroy the sandbox
// once it lapses.
type RunRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	RequestID string `gorm:"index;size:64"`
	SandboxID string `gorm:"index;size:128"`
	Model     string `gorm:"size:128"`
	Status    string `gorm:"index;size:16"` // running, completed, failed, kept_alive, destroyed
	KeepAlive bool
	Events    int64
	Dropped   int64
	Deadline  *time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName keeps the table name stable across GORM naming changes.
func (RunRecord) TableName() string { return "runs" }

// StatusRunning is the status of a run that has not finished yet.
const StatusRunning = "running"

// StatusDestroyed marks a kept-alive run whose sandbox the reaper removed.
const StatusDestroyed = "destroyed"

// Store persists run records.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates a Store from the storage config, defaulting to SQLite at
// dbPath. The SQLite file runs in WAL mode for concurrent reads.
func Open(cfg *config.StorageConfig, dbPath string, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.StorageDriver() {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.Postgres.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("opening postgres database: %w", err)
		}
		if err := configurePool(db, cfg.Postgres); err != nil {
			return nil, err
		}
	default:
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", dbPath)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
	}

	s := &Store{db: db, logger: slogger}
	if err := s.db.AutoMigrate(&RunRecord{}); err != nil {
		return nil, fmt.Errorf("migrating run store: %w", err)
	}

	slogger.Info("run store opened", slog.String("driver", cfg.StorageDriver()))
	return s, nil
}

func configurePool(db *gorm.DB, cfg *config.PostgresConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("accessing connection pool: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetimeS
	if lifetime <= 0 {
		lifetime = 1800
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(time.Duration(lifetime) * time.Second)
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database connection, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RunStarted records a run entering the running state.
func (s *Store) RunStarted(ctx context.Context, runID, requestID, sandboxID, model string, keepAlive bool) error {
	rec := RunRecord{
		ID:        runID,
		RequestID: requestID,
		SandboxID: sandboxID,
		Model:     model,
		Status:    StatusRunning,
		KeepAlive: keepAlive,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// RunFinished records a run's terminal status, stream counters, and the
// keep-alive deadline when the sandbox was parked.
func (s *Store) RunFinished(ctx context.Context, runID, status string, events, dropped int64, deadline *time.Time) error {
	updates := map[string]any{
		"status":   status,
		"events":   events,
		"dropped":  dropped,
		"deadline": deadline,
	}
	result := s.db.WithContext(ctx).Model(&RunRecord{}).Where("id = ?", runID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("recording run outcome: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// GetRun returns one run record by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var rec RunRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", runID).Error; err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	return &rec, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []RunRecord
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return recs, nil
}

// ExpiredKeptAlive returns kept-alive runs whose deadline has passed.
func (s *Store) ExpiredKeptAlive(ctx context.Context, now time.Time) ([]RunRecord, error) {
	var recs []RunRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND deadline IS NOT NULL AND deadline <= ?", "kept_alive", now).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing expired kept-alive runs: %w", err)
	}
	return recs, nil
}

// MarkDestroyed transitions a kept-alive run to destroyed.
func (s *Store) MarkDestroyed(ctx context.Context, runID string) error {
	err := s.db.WithContext(ctx).Model(&RunRecord{}).
		Where("id = ?", runID).
		Update("status", StatusDestroyed).Error
	if err != nil {
		return fmt.Errorf("marking run %s destroyed: %w", runID, err)
	}
	return nil
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...))
}
