package install

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/sparkyfit/updater/internal/update"
)

// LoadMigrations returns the *.sql scripts in dir sorted by file name. A
// missing dir yields no migrations.
func LoadMigrations(dir string) ([]update.Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	migrations := make([]update.Migration, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, update.Migration{
			Name: strings.TrimSuffix(name, ".sql"),
			SQL:  string(data),
		})
	}
	return migrations, nil
}

// RunPendingMigrations hands the package's migrations to the runner.
func (i *Installer) RunPendingMigrations(ctx context.Context, stagingDir string) (int, error) {
	migrations, err := LoadMigrations(filepath.Join(stagingDir, migrationsDir))
	if err != nil {
		return 0, update.Errorf(update.ErrMigration, "failed to read migrations: %w", err)
	}
	if len(migrations) == 0 {
		log.Debug("package ships no migrations")
		return 0, nil
	}
	if i.migrations == nil {
		return 0, update.Errorf(update.ErrMigration, "package ships %d migrations but no database is configured", len(migrations))
	}

	n, err := i.migrations.Run(ctx, migrations)
	if err != nil {
		if update.Kind(err) == nil {
			err = update.Errorf(update.ErrMigration, "%w", err)
		}
		return n, err
	}
	log.Infof("applied %d of %d bundled migrations", n, len(migrations))
	return n, nil
}
