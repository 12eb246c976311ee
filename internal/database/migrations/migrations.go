// Package migrations holds data migrations that run after the schema is in
// place. They operate on a plain GORM handle bound to the migration
// transaction, so model callbacks (storage accounting, mirror sync) do not
// fire; anything those callbacks would have done is done explicitly.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/mirror"
)

const (
	PurgeDeletedInstancesVersion int64 = 19
	XFormStorageBytesVersion     int64 = 24
	RepairDailyCountersVersion   int64 = 31
)

type migrator struct {
	dialect string
	mirror  mirror.Store
	log     *slog.Logger
}

// NewProvider returns a goose provider for the data migrations of db. The
// mirror store receives document deletions for purged submissions.
func NewProvider(db *gorm.DB, store mirror.Store) (*goose.Provider, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	var dialect goose.Dialect
	switch db.Dialector.Name() {
	case "postgres":
		dialect = goose.DialectPostgres
	case "sqlite":
		dialect = goose.DialectSQLite3
	default:
		return nil, fmt.Errorf("unsupported database type: %s", db.Dialector.Name())
	}

	m := &migrator{
		dialect: db.Dialector.Name(),
		mirror:  store,
		log:     logger.Component("migrations"),
	}

	return goose.NewProvider(dialect, sqlDB, nil,
		goose.WithDisableGlobalRegistry(true),
		goose.WithGoMigrations(
			goose.NewGoMigration(PurgeDeletedInstancesVersion,
				&goose.GoFunc{RunTx: m.purgeDeletedInstances},
				&goose.GoFunc{RunTx: doNothing},
			),
			goose.NewGoMigration(XFormStorageBytesVersion,
				&goose.GoFunc{RunTx: doNothing},
				&goose.GoFunc{RunTx: doNothing},
			),
			goose.NewGoMigration(RepairDailyCountersVersion,
				&goose.GoFunc{RunTx: m.repairDailyCounters},
				&goose.GoFunc{RunTx: doNothing},
			),
		),
	)
}

// Up applies every pending data migration.
func Up(ctx context.Context, db *gorm.DB, store mirror.Store) error {
	provider, err := NewProvider(db, store)
	if err != nil {
		return err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("data migrations failed: %w", err)
	}
	for _, r := range results {
		logger.Info("applied data migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func doNothing(ctx context.Context, tx *sql.Tx) error {
	return nil
}

// frozen wraps the migration transaction in a GORM handle without plugins.
func (m *migrator) frozen(ctx context.Context, tx *sql.Tx) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if m.dialect == "postgres" {
		dialector = postgres.New(postgres.Config{Conn: tx})
	} else {
		dialector = &sqlite.Dialector{Conn: tx}
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind migration transaction: %w", err)
	}
	return db.WithContext(ctx), nil
}
