// Package install unpacks verified update packages and applies them to the
// live installation tree.
//
// A package is a zip archive laid out as
//
//	update.json      manifest: version, file list, restart flag
//	files/           tree copied over the installation root
//	migrations/      optional *.sql scripts, applied in name order
package install

import (
	"context"

	"github.com/sparkyfit/updater/internal/update"
)

const (
	manifestName  = "update.json"
	filesDir      = "files"
	migrationsDir = "migrations"
)

// MigrationRunner applies the migrations that have not run yet and returns
// how many it applied. It must apply all of them or none.
type MigrationRunner interface {
	Run(ctx context.Context, migrations []update.Migration) (int, error)
}

// CacheFlusher drops a derived cache held outside the filesystem.
type CacheFlusher interface {
	Flush(ctx context.Context) error
}

// Options configures an Installer.
type Options struct {
	// ScratchDir receives extraction directories. Empty means os.TempDir.
	ScratchDir string
	// CacheDirs are emptied after a successful apply.
	CacheDirs []string
	// MaxUnpackedSize caps the bytes written by Extract; zero means no cap.
	MaxUnpackedSize int64
}

// Installer implements update.Installer.
type Installer struct {
	opts       Options
	migrations MigrationRunner
	flushers   []CacheFlusher
}

var _ update.Installer = (*Installer)(nil)

// New creates an installer. migrations may be nil when the installation has
// no database; packages that ship migrations then fail with ErrMigration.
func New(opts Options, migrations MigrationRunner, flushers ...CacheFlusher) *Installer {
	return &Installer{
		opts:       opts,
		migrations: migrations,
		flushers:   flushers,
	}
}
