package database

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registered as "sqlite"

	"github.com/form-case/kobocat/internal/config"
	"github.com/form-case/kobocat/internal/database/migrations"
	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/mirror"
)

func Connect(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.DBType {
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort,
		)
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = &sqlite.Dialector{
			DriverName: "sqlite",
			DSN:        cfg.DBPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DBType)
	}

	logLevel := gormlogger.Silent
	if cfg.Env == "development" {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("database connected", "type", cfg.DBType)
	return db, nil
}

// Models lists every table managed by AutoMigrate, in dependency order.
func Models() []any {
	return []any{
		&models.User{},
		&models.UserProfile{},
		&models.PartialDigest{},
		&models.AuthToken{},
		&models.XForm{},
		&models.XFormPermission{},
		&models.Instance{},
		&models.Attachment{},
		&models.Export{},
		&models.DailyXFormSubmissionCounter{},
	}
}

// Migrate brings the schema up to date, creates the session table and then
// applies the data migrations.
func Migrate(ctx context.Context, db *gorm.DB, store mirror.Store) error {
	logger.Info("running database migrations")

	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if err := createSessionsTable(db); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	if err := migrations.Up(ctx, db, store); err != nil {
		return err
	}

	logger.Info("database migrations completed successfully")
	return nil
}

// createSessionsTable creates the table used by alexedwards/scs stores.
func createSessionsTable(db *gorm.DB) error {
	switch db.Dialector.Name() {
	case "postgres":
		if err := db.Exec(`
			CREATE TABLE IF NOT EXISTS sessions (
				token TEXT PRIMARY KEY,
				data BYTEA NOT NULL,
				expiry TIMESTAMPTZ NOT NULL
			)
		`).Error; err != nil {
			return err
		}
		return db.Exec(`CREATE INDEX IF NOT EXISTS sessions_expiry_idx ON sessions (expiry)`).Error

	case "sqlite":
		if err := db.Exec(`
			CREATE TABLE IF NOT EXISTS sessions (
				token TEXT PRIMARY KEY,
				data BLOB NOT NULL,
				expiry REAL NOT NULL
			)
		`).Error; err != nil {
			return err
		}
		return db.Exec(`CREATE INDEX IF NOT EXISTS sessions_expiry_idx ON sessions(expiry)`).Error

	default:
		return fmt.Errorf("unsupported database type: %s", db.Dialector.Name())
	}
}
