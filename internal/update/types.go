package update

import (
	"os"
	"strings"
	"time"
)

// PackageInfo describes an available update as announced by the remote
// update service.
type PackageInfo struct {
	Version          string   `json:"version" yaml:"version"`
	DownloadURL      string   `json:"download_url" yaml:"download_url"`
	Checksum         string   `json:"checksum" yaml:"checksum"` // hex SHA-256 of the archive
	SizeBytes        int64    `json:"size" yaml:"size"`
	IsSecurityUpdate bool     `json:"is_security_update" yaml:"is_security_update"`
	IsCritical       bool     `json:"is_critical" yaml:"is_critical"`
	ReleaseDate      string   `json:"release_date,omitempty" yaml:"release_date,omitempty"`
	Description      string   `json:"description,omitempty" yaml:"description,omitempty"`
	ChangeNotes      []string `json:"release_notes,omitempty" yaml:"release_notes,omitempty"`

	// SignatureVerified is set by the fetcher once the response carrying
	// this info passed signature validation. Never serialized.
	SignatureVerified bool `json:"-" yaml:"-"`
}

// Verification is the set of checks a downloaded artifact has passed.
type Verification uint8

const (
	ChecksumOK Verification = 1 << iota
	SignatureOK
	ScanOK
)

// Unverified is the verification state of a freshly written file.
const Unverified Verification = 0

// FullyVerified is the state an artifact must reach before installation.
const FullyVerified = ChecksumOK | SignatureOK | ScanOK

// Has reports whether all checks in f are set.
func (v Verification) Has(f Verification) bool {
	return v&f == f
}

func (v Verification) String() string {
	if v == Unverified {
		return "unverified"
	}
	var parts []string
	if v.Has(ChecksumOK) {
		parts = append(parts, "checksum")
	}
	if v.Has(SignatureOK) {
		parts = append(parts, "signature")
	}
	if v.Has(ScanOK) {
		parts = append(parts, "scan")
	}
	return strings.Join(parts, "+")
}

// Artifact is a downloaded package archive on local disk.
type Artifact struct {
	Path         string       `json:"path" yaml:"path"`
	Version      string       `json:"version" yaml:"version"`
	SizeBytes    int64        `json:"size" yaml:"size"`
	Checksum     string       `json:"checksum" yaml:"checksum"`
	Verification Verification `json:"verification" yaml:"verification"`
}

// Verified reports whether the artifact passed checksum, signature and scan.
func (a *Artifact) Verified() bool {
	return a != nil && a.Verification.Has(FullyVerified)
}

// Release deletes the artifact file. Safe to call more than once.
func (a *Artifact) Release() error {
	if a == nil || a.Path == "" {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Stage is the externally observable phase of an update cycle.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageChecking    Stage = "checking"
	StageDownloading Stage = "downloading"
	StageVerifying   Stage = "verifying"
	StageBackingUp   Stage = "backing_up"
	StageInstalling  Stage = "installing"
	StageMigrating   Stage = "migrating"
	StageRollingBack Stage = "rolling_back"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
	StageRolledBack  Stage = "rolled_back"
)

// InFlight reports whether the stage belongs to a running pipeline call.
func (s Stage) InFlight() bool {
	switch s {
	case StageChecking, StageDownloading, StageVerifying, StageBackingUp,
		StageInstalling, StageMigrating, StageRollingBack:
		return true
	}
	return false
}

// Terminal reports whether the stage ends an update cycle.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageRolledBack
}

// Progress is the current status of an update cycle. It is overwritten in
// place on every transition.
type Progress struct {
	Stage       Stage     `json:"stage" yaml:"stage"`
	Percent     int       `json:"progress" yaml:"progress"`
	Message     string    `json:"message" yaml:"message"`
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
	ErrorDetail string    `json:"error,omitempty" yaml:"error,omitempty"`
	Version     string    `json:"version,omitempty" yaml:"version,omitempty"`
	CycleID     string    `json:"cycle_id,omitempty" yaml:"cycle_id,omitempty"`
}

// BackupHandle identifies a pre-install snapshot. Its contents are owned by
// the backup manager.
type BackupHandle string

// ManifestFile is one entry of a package manifest file list.
type ManifestFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// PackageManifest is the update.json shipped at the root of a package.
type PackageManifest struct {
	Version         string         `json:"version"`
	Files           []ManifestFile `json:"files"`
	RequiresRestart bool           `json:"requires_restart,omitempty"`
	Description     string         `json:"description,omitempty"`
}

// Migration is one schema migration script bundled with a package.
type Migration struct {
	Name string
	SQL  string
}

// VersionRecord is the single durable record of the installed version.
type VersionRecord struct {
	Version         string    `json:"version" yaml:"version"`
	PreviousVersion string    `json:"previous_version,omitempty" yaml:"previous_version,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// InstallResult summarizes a finished install call.
type InstallResult struct {
	CycleID         string        `json:"cycle_id" yaml:"cycle_id"`
	FromVersion     string        `json:"from_version" yaml:"from_version"`
	ToVersion       string        `json:"to_version" yaml:"to_version"`
	Stage           Stage         `json:"stage" yaml:"stage"`
	Backup          BackupHandle  `json:"backup,omitempty" yaml:"backup,omitempty"`
	Migrations      int           `json:"migrations" yaml:"migrations"`
	RequiresRestart bool          `json:"requires_restart" yaml:"requires_restart"`
	Duration        time.Duration `json:"duration" yaml:"duration"`
}

// CycleRecord is the audit entry written once per finished cycle.
type CycleRecord struct {
	ID          string
	FromVersion string
	ToVersion   string
	Stage       Stage
	Backup      BackupHandle
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
}

// EventType names a notable orchestrator transition.
type EventType string

const (
	EventUpdateAvailable EventType = "update_available"
	EventDownloaded      EventType = "downloaded"
	EventCompleted       EventType = "completed"
	EventRolledBack      EventType = "rolled_back"
	EventFailed          EventType = "failed"
)

// Event is delivered to listeners registered with Orchestrator.OnEvent.
type Event struct {
	Type    EventType
	Version string
	Err     error
	Time    time.Time
}
