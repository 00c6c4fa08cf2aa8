package update

import (
	"errors"
	"fmt"
)

// Error kinds. Every error surfaced by the update pipeline wraps exactly one
// of these so callers can classify it with errors.Is.
var (
	ErrNetwork             = errors.New("network error")
	ErrProtocol            = errors.New("protocol error")
	ErrSecurity            = errors.New("security error")
	ErrChecksum            = errors.New("checksum mismatch")
	ErrArchive             = errors.New("archive error")
	ErrManifest            = errors.New("manifest error")
	ErrApply               = errors.New("apply error")
	ErrMigration           = errors.New("migration error")
	ErrBackup              = errors.New("backup error")
	ErrConcurrentOperation = errors.New("an update operation is already in progress")

	ErrNoUpdate      = errors.New("no update available to download")
	ErrNotDownloaded = errors.New("no verified update package downloaded")
	ErrRollback      = errors.New("rollback failed")
	ErrCancelled     = errors.New("update cancelled")
)

var kinds = []error{
	ErrConcurrentOperation,
	ErrCancelled,
	ErrRollback,
	ErrNetwork,
	ErrProtocol,
	ErrSecurity,
	ErrChecksum,
	ErrArchive,
	ErrManifest,
	ErrApply,
	ErrMigration,
	ErrBackup,
	ErrNoUpdate,
	ErrNotDownloaded,
}

// Errorf tags a formatted error with kind. Use %w in format to keep the
// cause in the chain.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", kind, fmt.Errorf(format, args...))
}

// Kind returns the first error kind found in err's chain, or nil.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName returns a short label for err's kind, used for metrics and
// history rows.
func KindName(err error) string {
	switch Kind(err) {
	case nil:
		if err == nil {
			return ""
		}
		return "unknown"
	case ErrNetwork:
		return "network"
	case ErrProtocol:
		return "protocol"
	case ErrSecurity:
		return "security"
	case ErrChecksum:
		return "checksum"
	case ErrArchive:
		return "archive"
	case ErrManifest:
		return "manifest"
	case ErrApply:
		return "apply"
	case ErrMigration:
		return "migration"
	case ErrBackup:
		return "backup"
	case ErrConcurrentOperation:
		return "concurrent_operation"
	case ErrNoUpdate:
		return "no_update"
	case ErrNotDownloaded:
		return "not_downloaded"
	case ErrRollback:
		return "rollback"
	case ErrCancelled:
		return "cancelled"
	}
	return "unknown"
}
