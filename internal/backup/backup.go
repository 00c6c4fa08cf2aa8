// Package backup handles snapshot and restore of the live installation tree.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Type records why a backup was taken.
type Type string

const (
	TypePreUpdate Type = "pre_update"
	TypeManual    Type = "manual"
)

// Backup is the metadata stored next to each snapshot archive.
type Backup struct {
	ID         string    `json:"id" yaml:"id"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	Note       string    `json:"note,omitempty" yaml:"note,omitempty"`
	AppVersion string    `json:"app_version" yaml:"app_version"`
	Type       Type      `json:"type" yaml:"type"`
	Size       int64     `json:"size" yaml:"size"`
	SHA256     string    `json:"sha256" yaml:"sha256"`
	TreeHash   string    `json:"tree_hash" yaml:"tree_hash"`
	Verified   bool      `json:"verified" yaml:"verified"`
}

// BackupInfo provides summary information about a backup for listing.
type BackupInfo struct {
	ID         string    `json:"id" yaml:"id"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	Note       string    `json:"note,omitempty" yaml:"note,omitempty"`
	Type       Type      `json:"type" yaml:"type"`
	AppVersion string    `json:"app_version" yaml:"app_version"`
	Size       int64     `json:"size" yaml:"size"`
}

// Manager handles backup operations for one installation root.
type Manager struct {
	backupDir string
	liveRoot  string
	excludes  []string
	keep      int
	version   func() string
}

// NewManager creates a backup manager that snapshots liveRoot into backupDir.
// When backupDir lies inside liveRoot it is excluded from snapshots.
func NewManager(backupDir, liveRoot string) *Manager {
	m := &Manager{
		backupDir: backupDir,
		liveRoot:  liveRoot,
		keep:      DefaultKeepCount,
		version:   func() string { return "" },
	}
	if rel, ok := within(liveRoot, backupDir); ok {
		m.excludes = append(m.excludes, rel)
	}
	return m
}

// WithExcludes leaves the given paths, relative to the live root, out of
// snapshots. Restore never touches them.
func (m *Manager) WithExcludes(paths ...string) *Manager {
	for _, p := range paths {
		p = strings.Trim(filepath.ToSlash(filepath.Clean(p)), "/")
		if p != "" && p != "." {
			m.excludes = append(m.excludes, p)
		}
	}
	return m
}

// WithKeep sets how many backups ReleaseBackup retains. Zero deletes a
// released backup right away.
func (m *Manager) WithKeep(keep int) *Manager {
	m.keep = keep
	return m
}

// WithVersionSource sets the function that reports the installed version
// recorded in backup metadata.
func (m *Manager) WithVersionSource(fn func() string) *Manager {
	m.version = fn
	return m
}

// Create snapshots the live root.
func (m *Manager) Create(ctx context.Context, typ Type, note string) (*Backup, error) {
	// Ensure backup directory exists
	if err := os.MkdirAll(m.backupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	now := time.Now()
	id := now.Format("2006-01-02-150405") + "-" + uuid.NewString()[:8]

	backup := &Backup{
		ID:         id,
		CreatedAt:  now,
		Note:       note,
		AppVersion: m.version(),
		Type:       typ,
	}

	archivePath := m.archivePath(id)
	size, sum, err := m.writeArchive(ctx, archivePath)
	if err != nil {
		_ = os.Remove(archivePath)
		return nil, err
	}
	backup.Size = size
	backup.SHA256 = sum

	backup.TreeHash, err = TreeHash(m.liveRoot, m.excludes)
	if err != nil {
		_ = os.Remove(archivePath)
		return nil, fmt.Errorf("failed to hash live tree: %w", err)
	}

	if err := m.verify(backup); err != nil {
		_ = os.Remove(archivePath)
		return nil, fmt.Errorf("backup failed verification: %w", err)
	}
	backup.Verified = true

	if err := m.writeMetadata(backup); err != nil {
		_ = os.Remove(archivePath)
		return nil, err
	}

	log.WithField("backup", id).Infof("created %s backup of %s (%d bytes)", typ, m.liveRoot, size)
	return backup, nil
}

func (m *Manager) writeMetadata(b *Backup) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup: %w", err)
	}

	path := m.metadataPath(b.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write backup file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write backup file: %w", err)
	}
	return nil
}

// List returns all backups sorted by creation time (newest first).
func (m *Manager) List() ([]BackupInfo, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []BackupInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		path := filepath.Join(m.backupDir, entry.Name())
		backup, err := m.loadBackup(path)
		if err != nil {
			log.Debugf("skipping unreadable backup metadata %s: %v", path, err)
			continue
		}

		backups = append(backups, BackupInfo{
			ID:         backup.ID,
			CreatedAt:  backup.CreatedAt,
			Note:       backup.Note,
			Type:       backup.Type,
			AppVersion: backup.AppVersion,
			Size:       backup.Size,
		})
	}

	// Sort by creation time, newest first
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	return backups, nil
}

// Get retrieves a backup by ID. Use "latest" to get the most recent backup.
func (m *Manager) Get(id string) (*Backup, error) {
	if id == "latest" {
		backups, err := m.List()
		if err != nil {
			return nil, err
		}
		if len(backups) == 0 {
			return nil, fmt.Errorf("no backups found")
		}
		id = backups[0].ID
	}
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("invalid backup id %q", id)
	}

	return m.loadBackup(m.metadataPath(id))
}

// Delete removes a backup by ID.
func (m *Manager) Delete(id string) error {
	if _, err := m.Get(id); err != nil {
		return err
	}

	if err := os.Remove(m.archivePath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	if err := os.Remove(m.metadataPath(id)); err != nil {
		return fmt.Errorf("failed to delete backup: %w", err)
	}

	return nil
}

// loadBackup reads and parses a backup file.
func (m *Manager) loadBackup(path string) (*Backup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("backup not found: %s", strings.TrimSuffix(filepath.Base(path), ".json"))
		}
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}

	var backup Backup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, fmt.Errorf("failed to parse backup file: %w", err)
	}

	return &backup, nil
}

// verify checks the archive digest and that the archive reads to the end.
func (m *Manager) verify(b *Backup) error {
	f, err := os.Open(m.archivePath(b.ID))
	if err != nil {
		return fmt.Errorf("failed to open backup archive: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if err := readArchive(io.TeeReader(f, h), nil); err != nil {
		return fmt.Errorf("backup archive is corrupt: %w", err)
	}
	// drain trailing padding so the digest covers the whole file
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to read backup archive: %w", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != b.SHA256 {
		return fmt.Errorf("backup archive digest %s does not match recorded %s", got, b.SHA256)
	}
	return nil
}

// BackupDir returns the backup directory path.
func (m *Manager) BackupDir() string {
	return m.backupDir
}

func (m *Manager) archivePath(id string) string {
	return filepath.Join(m.backupDir, id+".tar.gz")
}

func (m *Manager) metadataPath(id string) string {
	return filepath.Join(m.backupDir, id+".json")
}

// within returns path relative to root in slash form when path lies inside
// root.
func within(root, path string) (string, bool) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
