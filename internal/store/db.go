// Package store is the persistent Job/Task repository: the durable
// relational side of spec.md §3/§5/§6. All writes that could race
// (PENDING->RUNNING on jobs, PENDING->READY on tasks, terminal
// transitions) go through UPDATE...WHERE status = ? compare-and-set
// primitives whose affected-row count says who won, mirroring the teacher's internal/db
// Postgres bootstrap and its gorm usage throughout internal/data/repos.
package store

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dalston/orchestrator-core/internal/config"
	"github.com/dalston/orchestrator-core/internal/domain"
	"github.com/dalston/orchestrator-core/internal/platform/logger"
)

// Open connects to Postgres and configures the connection pool the same
// way the teacher's PostgresService does: a gorm logger that ignores
// record-not-found noise (loud on every CAS miss otherwise) and an
// explicit pool size from config.
func Open(cfg config.PostgresConfig, log *logger.Logger) (*gorm.DB, error) {
	gormLog := gormlogger.New(
		stdLogWriter{log: log},
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrapping sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("enabling uuid-ossp extension: %w", err)
	}

	return db, nil
}

// AutoMigrate creates/updates the jobs and tasks tables, including the
// unique (job_id, stage) index that is the DAG-builder's duplicate-DAG
// guard (spec.md §3 invariants, §4.5.1 step 4).
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&domain.Job{}, &domain.Task{}); err != nil {
		return fmt.Errorf("auto-migrating job/task tables: %w", err)
	}
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_job_stage ON tasks (job_id, stage) WHERE deleted_at IS NULL`).Error; err != nil {
		return fmt.Errorf("creating (job_id, stage) unique index: %w", err)
	}
	return nil
}

// stdLogWriter adapts the structured *logger.Logger to gorm's
// log.Writer interface, matching the teacher's choice of routing gorm's
// SQL logging through the same sink as application logs.
type stdLogWriter struct{ log *logger.Logger }

func (w stdLogWriter) Printf(format string, args ...interface{}) {
	w.log.Debug(fmt.Sprintf(format, args...))
}
