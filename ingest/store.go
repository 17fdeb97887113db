package ingest

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// OpenDB opens the facility database and migrates the schema.
func OpenDB(driver string, dsn string) (*gorm.DB, error) {
	db, err := OpenQueryDB(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&SourceRecord{}, &Facility{}, &FacilityChangeEvent{}, &IngestRun{}); err != nil {
		return nil, persistErr("migrate", err)
	}
	return db, nil
}

// OpenQueryDB opens the database without touching the schema.
func OpenQueryDB(driver string, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		db, err := gorm.Open(sqlite.Open(sqliteDSN(dsn)), cfg)
		if err != nil {
			return nil, persistErr("open sqlite", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, persistErr("open sqlite", err)
		}
		// One writer; concurrent sources queue on the connection instead of
		// failing with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	case DriverPostgres:
		if strings.TrimSpace(dsn) == "" {
			return nil, &ConfigError{Source: "database", Field: "dsn", Message: "postgres needs a dsn"}
		}
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, persistErr("open postgres", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("%w: unsupported database driver %q", ErrConfig, driver)
	}
}

func CloseDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "facility-ingest.db"
	}
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}
