package db

import (
	"fmt"
	"log"
	"time"

	"media-sync/internal/config"
	"media-sync/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm opens the configured database and migrates the sync schema.
// Learning: postgres is the shared store for a fleet of gateways; sqlite is
// for a single local instance and for tests.
func NewGorm(cfg *config.Config) (*GormDB, error) {
	gdb, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	if err := Migrate(gdb.DB); err != nil {
		gdb.Close()
		return nil, err
	}

	log.Printf("✓ Database (%s) connected and migrated successfully", cfg.Database.Driver)
	return gdb, nil
}

// Open connects without migrating.
func Open(cfg *config.Config) (*GormDB, error) {
	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DatabaseURL())
	case "sqlite":
		dialector = sqlite.Open(sqliteDSN(cfg.Database.SQLitePath))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	logLevel := logger.Warn
	if cfg.Database.LogSQL {
		logLevel = logger.Info // Shows SQL queries
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		// Timestamps are stored in UTC so they compare correctly as text in sqlite
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Database.Driver == "sqlite" {
		// One writer at a time; sqlite serializes writes anyway
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &GormDB{db}, nil
}

// Migrate creates or updates the sync tables.
// Learning: GORM automatically creates/updates tables based on struct definitions
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.WatchlistEntryRecord{},
		&models.ProgressRecord{},
		&models.DeviceInfo{},
	); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
