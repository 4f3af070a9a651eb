// Package store is the sqlite-backed persistence layer for every durable
// run artifact: run headers, signals and their terminal states, order
// intents, positions, funnel records, reconciliation snapshots, drawdown
// state and cross-run system counters. One Store instance is shared by the
// coordinator, the intent manager and the drawdown stop.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	logger "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ducminhle1904/multi-strategy-bot/internal/intent"
	"github.com/ducminhle1904/multi-strategy-bot/internal/safety"
)

var (
	_ intent.Store         = (*Store)(nil)
	_ safety.DrawdownStore = (*Store)(nil)
)

// Store wraps the gorm handle. All methods take a context and are safe for
// the bot's single-writer usage; WAL mode keeps report readers unblocked.
type Store struct {
	db  *gorm.DB
	log *logger.Entry
}

// Open opens (creating if needed) the sqlite database at path and migrates
// the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", path, err)
	}

	if err := db.AutoMigrate(
		&runModel{},
		&signalModel{},
		&signalOutcomeModel{},
		&orderIntentModel{},
		&positionModel{},
		&funnelRecordModel{},
		&reconciliationSnapshotModel{},
		&drawdownStateModel{},
		&strategyReturnModel{},
		&systemStateModel{},
	); err != nil {
		return nil, fmt.Errorf("migrate store schema: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Single-writer workload; two connections let report queries read
	// alongside the run loop without lock contention.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)

	return &Store{db: db, log: logger.WithField("component", "store")}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
