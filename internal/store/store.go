// Package store holds the database backed parts of the updater: the schema
// migration runner used during installs and the update history table.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Engine names a supported database.
type Engine string

const (
	SqliteEngine   Engine = "sqlite"
	PostgresEngine Engine = "postgres"
	MysqlEngine    Engine = "mysql"
)

// ParseEngine validates an engine name from configuration.
func ParseEngine(s string) (Engine, error) {
	switch e := Engine(strings.ToLower(strings.TrimSpace(s))); e {
	case SqliteEngine, PostgresEngine, MysqlEngine:
		return e, nil
	}
	return "", fmt.Errorf("unsupported database engine %q (use sqlite, postgres or mysql)", s)
}

// Open connects to the application database. For sqlite dsn is a file path
// whose directory is created when missing.
func Open(engine Engine, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("no database dsn configured")
	}

	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	var dialector gorm.Dialector
	switch engine {
	case SqliteEngine:
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dialector = sqlite.Open(dsn)
	case PostgresEngine:
		dialector = postgres.Open(dsn)
	case MysqlEngine:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database engine %q", engine)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", engine, err)
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
