package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rubenv/sql-migrate/sqlparse"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sparkyfit/updater/internal/update"
)

// migrationRow is one applied migration. Rows applied by the same run share
// a batch number.
type migrationRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Migration string `gorm:"size:255;uniqueIndex"`
	Batch     int    `gorm:"not null"`
}

func (migrationRow) TableName() string { return "migrations" }

// Migrator applies package migrations that have not run yet.
type Migrator struct {
	db *gorm.DB
}

// NewMigrator returns a migrator working on db.
func NewMigrator(db *gorm.DB) *Migrator {
	return &Migrator{db: db}
}

// Run applies the migrations not recorded in the migrations table, in the
// given order and in one transaction, and returns how many ran.
func (m *Migrator) Run(ctx context.Context, migrations []update.Migration) (int, error) {
	db := m.db.WithContext(ctx)
	if err := db.AutoMigrate(&migrationRow{}); err != nil {
		return 0, fmt.Errorf("failed to prepare migrations table: %w", err)
	}

	applied, err := m.Applied(ctx)
	if err != nil {
		return 0, err
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}

	var pending []update.Migration
	for _, mig := range migrations {
		if !done[mig.Name] {
			pending = append(pending, mig)
		}
	}
	if len(pending) == 0 {
		log.Debug("no pending migrations")
		return 0, nil
	}

	var last int
	if err := db.Model(&migrationRow{}).Select("COALESCE(MAX(batch), 0)").Scan(&last).Error; err != nil {
		return 0, fmt.Errorf("failed to read migration batch: %w", err)
	}
	batch := last + 1

	// mysql commits DDL implicitly; a failed batch there may be partial.
	err = db.Transaction(func(tx *gorm.DB) error {
		for _, mig := range pending {
			stmts, err := m.statements(mig)
			if err != nil {
				return fmt.Errorf("migration %s: %w", mig.Name, err)
			}
			for _, stmt := range stmts {
				if err := tx.Exec(stmt).Error; err != nil {
					return fmt.Errorf("migration %s: %w", mig.Name, err)
				}
			}
			if err := tx.Create(&migrationRow{Migration: mig.Name, Batch: batch}).Error; err != nil {
				return fmt.Errorf("failed to record migration %s: %w", mig.Name, err)
			}
			log.WithField("batch", batch).Infof("migrated %s", mig.Name)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Applied returns the names of applied migrations in the order they ran.
func (m *Migrator) Applied(ctx context.Context) ([]string, error) {
	var names []string
	err := m.db.WithContext(ctx).Model(&migrationRow{}).Order("id").Pluck("migration", &names).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	return names, nil
}

// sql-migrate script annotations.
const (
	migrateCommand = "-- +migrate "
	migrateUp      = migrateCommand + "Up"
)

// statements returns what to execute for mig. sqlite runs a whole script in
// one call, so plain scripts are passed through unsplit and keep trigger
// bodies intact.
func (m *Migrator) statements(mig update.Migration) ([]string, error) {
	if strings.TrimSpace(mig.SQL) == "" {
		return nil, nil
	}
	if m.db.Dialector.Name() == "sqlite" && !strings.Contains(mig.SQL, migrateCommand) {
		return []string{mig.SQL}, nil
	}
	return SplitStatements(mig.SQL)
}

// SplitStatements parses a migration script with the sql-migrate parser. A
// statement ends with a line whose last token ends in a semicolon; bodies that
// hold semicolons of their own go between "-- +migrate StatementBegin" and
// "-- +migrate StatementEnd". Scripts without an Up annotation are read as
// all Up. Down sections are ignored.
func SplitStatements(script string) ([]string, error) {
	if !strings.Contains(script, migrateUp) {
		script = migrateUp + "\n" + script
	}
	parsed, err := sqlparse.ParseMigration(strings.NewReader(script))
	if err != nil {
		return nil, err
	}

	var stmts []string
	for _, s := range parsed.UpStatements {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts, nil
}
