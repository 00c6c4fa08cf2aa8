// Package update drives the self-update cycle of an installation: check,
// download, verify, back up, install, migrate and, on failure, roll back.
//
// The orchestrator owns only the control flow. Every collaborator is a
// narrow interface declared here so it can be replaced in tests.
package update

import "context"

// ProgressFunc receives download progress. stage is StageDownloading while
// bytes arrive, then StageVerifying once the stream is complete and before
// the package is hashed and scanned. total is -1 when unknown.
type ProgressFunc func(stage Stage, done, total int64)

// Fetcher queries the remote update service and downloads packages.
type Fetcher interface {
	// CheckForUpdate returns nil, nil when no newer release exists.
	CheckForUpdate(ctx context.Context, currentVersion string) (*PackageInfo, error)
	// Download streams the package to scratch space and verifies it.
	Download(ctx context.Context, info *PackageInfo, onProgress ProgressFunc) (*Artifact, error)
}

// Verifier validates response signatures and scans artifacts.
type Verifier interface {
	VerifySignature(ctx context.Context, payload, signature []byte) error
	ScanArtifact(ctx context.Context, path string) error
}

// Installer unpacks packages and applies them to the live tree.
type Installer interface {
	Extract(ctx context.Context, archivePath string) (stagingDir string, err error)
	ValidateManifest(stagingDir string) (*PackageManifest, error)
	Apply(ctx context.Context, stagingDir, liveRoot string) error
	RunPendingMigrations(ctx context.Context, stagingDir string) (int, error)
	// ClearDerivedCaches is best effort; the orchestrator only logs its error.
	ClearDerivedCaches(ctx context.Context) error
}

// BackupManager snapshots and restores the live installation.
type BackupManager interface {
	CreateBackup(ctx context.Context) (BackupHandle, error)
	RestoreBackup(ctx context.Context, handle BackupHandle) error
	// ReleaseBackup applies the retention policy to a snapshot that is no
	// longer needed for rollback.
	ReleaseBackup(ctx context.Context, handle BackupHandle) error
}

// ProgressReporter publishes progress to a shared, expiring store.
type ProgressReporter interface {
	Report(ctx context.Context, p Progress) error
	// Current returns nil, nil when nothing has been reported or the last
	// report expired.
	Current(ctx context.Context) (*Progress, error)
}

// VersionStore persists the installed version record. Prepare writes the
// record aside before migrations run so that making it current afterwards
// is the only step left.
type VersionStore interface {
	Current() (VersionRecord, error)
	Prepare(rec VersionRecord) (PendingVersion, error)
}

// PendingVersion is a prepared version record. Discard after Commit is a
// no-op.
type PendingVersion interface {
	Commit() error
	Discard() error
}

// HistoryRecorder stores one audit row per finished cycle.
type HistoryRecorder interface {
	RecordCycle(ctx context.Context, rec CycleRecord) error
}

// CycleLock guards against a second process running a cycle against the
// same installation.
type CycleLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}
