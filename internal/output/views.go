package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/sparkyfit/updater/internal/backup"
	"github.com/sparkyfit/updater/internal/store"
	"github.com/sparkyfit/updater/internal/update"
)

const timeLayout = "2006-01-02 15:04:05"

// CheckResult is the outcome of `check`.
type CheckResult struct {
	CurrentVersion string              `json:"current_version" yaml:"current_version"`
	Available      bool                `json:"available" yaml:"available"`
	Update         *update.PackageInfo `json:"update,omitempty" yaml:"update,omitempty"`
}

func (r CheckResult) String() string {
	if !r.Available || r.Update == nil {
		return fmt.Sprintf("sparkyfit %s is up to date", r.CurrentVersion)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Update available: %s -> %s", r.CurrentVersion, r.Update.Version)
	var flags []string
	if r.Update.IsSecurityUpdate {
		flags = append(flags, "security")
	}
	if r.Update.IsCritical {
		flags = append(flags, "critical")
	}
	if len(flags) > 0 {
		fmt.Fprintf(&sb, " [%s]", strings.Join(flags, ", "))
	}
	if r.Update.ReleaseDate != "" {
		fmt.Fprintf(&sb, "\nReleased: %s", r.Update.ReleaseDate)
	}
	if r.Update.SizeBytes > 0 {
		fmt.Fprintf(&sb, "\nSize: %s", FormatBytes(r.Update.SizeBytes))
	}
	if r.Update.Description != "" {
		fmt.Fprintf(&sb, "\n\n%s", r.Update.Description)
	}
	for _, note := range r.Update.ChangeNotes {
		fmt.Fprintf(&sb, "\n  - %s", note)
	}
	return sb.String()
}

// DownloadResult is the outcome of `download`.
type DownloadResult struct {
	Artifact *update.Artifact `json:"artifact" yaml:"artifact"`
	Verified bool             `json:"verified" yaml:"verified"`
}

func (r DownloadResult) String() string {
	return fmt.Sprintf("Downloaded %s (%s) to %s\nVerification: %s",
		r.Artifact.Version, FormatBytes(r.Artifact.SizeBytes), r.Artifact.Path, r.Artifact.Verification)
}

// InstallResult is the outcome of `install` and `update`.
type InstallResult struct {
	update.InstallResult `yaml:",inline"`
	Error                string `json:"error,omitempty" yaml:"error,omitempty"`
}

func (r InstallResult) String() string {
	var sb strings.Builder
	switch r.Stage {
	case update.StageCompleted:
		fmt.Fprintf(&sb, "Updated %s -> %s in %s", r.FromVersion, r.ToVersion, r.Duration.Round(time.Millisecond))
		if r.Migrations > 0 {
			fmt.Fprintf(&sb, "\nMigrations applied: %d", r.Migrations)
		}
		if r.RequiresRestart {
			sb.WriteString("\nRestart the application to finish the update.")
		}
	case update.StageRolledBack:
		fmt.Fprintf(&sb, "Update to %s failed and was rolled back to %s", r.ToVersion, r.FromVersion)
	default:
		fmt.Fprintf(&sb, "Update to %s failed", r.ToVersion)
	}
	if r.Backup != "" {
		fmt.Fprintf(&sb, "\nBackup: %s", r.Backup)
	}
	if r.Error != "" {
		fmt.Fprintf(&sb, "\nError: %s", r.Error)
	}
	return sb.String()
}

// ProgressView renders the current progress record.
type ProgressView struct {
	update.Progress `yaml:",inline"`
}

func (p ProgressView) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-12s %s %3d%%", p.Stage, bar(p.Percent, 20), p.Percent)
	if p.Version != "" {
		fmt.Fprintf(&sb, "  %s", p.Version)
	}
	if p.Message != "" {
		fmt.Fprintf(&sb, "\n%s", p.Message)
	}
	if p.ErrorDetail != "" {
		fmt.Fprintf(&sb, "\nError: %s", p.ErrorDetail)
	}
	if !p.Timestamp.IsZero() {
		fmt.Fprintf(&sb, "\nUpdated: %s", p.Timestamp.Local().Format(timeLayout))
	}
	return sb.String()
}

func bar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

// StatusView is the installed version plus recent update history.
type StatusView struct {
	InstanceID string               `json:"instance_id" yaml:"instance_id"`
	Version    update.VersionRecord `json:"version" yaml:"version"`
	History    []store.HistoryEntry `json:"history,omitempty" yaml:"history,omitempty"`
	Available  *update.PackageInfo  `json:"available,omitempty" yaml:"available,omitempty"`
}

func (s StatusView) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Installed version: %s\n", s.Version.Version)
	if s.Version.PreviousVersion != "" {
		fmt.Fprintf(&sb, "Previous version:  %s\n", s.Version.PreviousVersion)
	}
	if !s.Version.UpdatedAt.IsZero() {
		fmt.Fprintf(&sb, "Updated at:        %s\n", s.Version.UpdatedAt.Local().Format(timeLayout))
	}
	if s.InstanceID != "" {
		fmt.Fprintf(&sb, "Instance:          %s\n", s.InstanceID)
	}

	if len(s.History) == 0 {
		sb.WriteString("\nNo update history.")
		return sb.String()
	}

	sb.WriteString("\nRecent updates:\n")
	sb.WriteString(fmt.Sprintf("%-19s  %-10s  %-10s  %-12s  %s\n", "COMPLETED", "FROM", "TO", "STATUS", "ERROR"))
	for _, h := range s.History {
		from := h.FromVersion
		if from == "" {
			from = "-"
		}
		sb.WriteString(fmt.Sprintf("%-19s  %-10s  %-10s  %-12s  %s\n",
			h.CompletedAt.Local().Format(timeLayout), from, h.ToVersion, h.Status, truncate(h.Error, 60)))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// BackupList renders `backup list`.
type BackupList []backup.BackupInfo

func (l BackupList) String() string {
	if len(l) == 0 {
		return "No backups found."
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-29s  %-10s  %-10s  %8s  %s\n", "ID", "TYPE", "VERSION", "SIZE", "NOTE"))
	for _, b := range l {
		version := b.AppVersion
		if version == "" {
			version = "-"
		}
		sb.WriteString(fmt.Sprintf("%-29s  %-10s  %-10s  %8s  %s\n", b.ID, b.Type, version, FormatBytes(b.Size), b.Note))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// PruneView renders `backup prune`.
type PruneView struct {
	backup.PruneResult `yaml:",inline"`
}

func (p PruneView) String() string {
	if len(p.Deleted) == 0 {
		return fmt.Sprintf("Nothing to prune, %d backups kept.", p.Kept)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Deleted %d backups, kept %d:", len(p.Deleted), p.Kept)
	for _, b := range p.Deleted {
		fmt.Fprintf(&sb, "\n  - %s", b.ID)
	}
	return sb.String()
}

// Message is plain text that still renders as an object in json and yaml.
type Message struct {
	Message string `json:"message" yaml:"message"`
}

func (m Message) String() string {
	return m.Message
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
