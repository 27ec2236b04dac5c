package database

import (
	"assetloans/pkg/config"
	"assetloans/pkg/models"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// openLoanIndex enforces at most one open loan per resource at the storage level.
const openLoanIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_open_resource
	ON loans (resource_id) WHERE returned_at IS NULL`

// Open connects using the configured driver, retrying while the database comes up,
// and tunes the shared connection pool.
func Open(cfg config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "postgres":
		log.Printf("Connecting to database: %s@%s:%s/%s", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)
		dialector = postgres.Open(cfg.PostgresDSN())
	case "sqlite":
		log.Printf("Opening sqlite database: %s", cfg.SQLitePath)
		dialector = sqlite.Open(sqliteDSN(cfg.SQLitePath))
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}

	retries := cfg.DBConnectRetries
	if retries < 1 {
		retries = 1
	}

	var db *gorm.DB
	var err error
	for i := 0; i < retries; i++ {
		db, err = gorm.Open(dialector, &gorm.Config{})
		if err == nil {
			break
		}
		log.Printf("Database connection attempt %d/%d failed: %v", i+1, retries, err)
		if i < retries-1 {
			time.Sleep(cfg.DBConnectRetryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	if cfg.DBDriver == "sqlite" {
		// sqlite serializes writers anyway; one connection keeps transactions honest.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}

	log.Println("Database connection established successfully")
	return db, nil
}

// OpenSQLite opens a single-connection sqlite database and migrates it.
// Tests use it with ":memory:".
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table and the open-loan index.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	if err := db.Exec(openLoanIndex).Error; err != nil {
		return fmt.Errorf("create open loan index: %w", err)
	}
	return nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?_foreign_keys=1"
	}
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1", path)
}
