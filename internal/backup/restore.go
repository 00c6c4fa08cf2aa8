package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/sparkyfit/updater/internal/update"
)

const restorePrefix = ".restore-"

// Restore replaces the live root with the contents of backup id. Excluded
// paths are left untouched. The tree hash of the result must equal the one
// recorded at backup time.
func (m *Manager) Restore(ctx context.Context, id string) error {
	b, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := m.verify(b); err != nil {
		return fmt.Errorf("backup %s failed verification: %w", b.ID, err)
	}

	if err := os.MkdirAll(m.liveRoot, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", m.liveRoot, err)
	}
	// staged inside the live root so the final moves are same-filesystem renames
	tmp, err := os.MkdirTemp(m.liveRoot, restorePrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create restore directory: %w", err)
	}
	defer func() {
		if err := removeTree(tmp); err != nil {
			log.Warnf("failed to remove restore directory %s: %v", tmp, err)
		}
	}()

	f, err := os.Open(m.archivePath(b.ID))
	if err != nil {
		return fmt.Errorf("failed to open backup archive: %w", err)
	}
	modes, err := extractTo(f, tmp)
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to unpack backup %s: %w", b.ID, err)
	}

	skip := filepath.Base(tmp)
	if err := m.clear(m.liveRoot, "", skip); err != nil {
		return fmt.Errorf("failed to clear %s: %w", m.liveRoot, err)
	}
	if err := mergeMove(tmp, m.liveRoot); err != nil {
		return fmt.Errorf("failed to move restored files into place: %w", err)
	}
	if err := applyDirModes(m.liveRoot, modes); err != nil {
		return fmt.Errorf("failed to restore directory modes: %w", err)
	}

	got, err := TreeHash(m.liveRoot, append(append([]string{}, m.excludes...), skip))
	if err != nil {
		return fmt.Errorf("failed to hash restored tree: %w", err)
	}
	if got != b.TreeHash {
		return fmt.Errorf("restored tree hash %s does not match backup %s", got, b.TreeHash)
	}

	log.WithField("backup", b.ID).Infof("restored %s", m.liveRoot)
	return nil
}

// clear removes everything below dir except excluded paths, the directories
// leading to them and the top-level entry named skip.
func (m *Manager) clear(dir, rel, skip string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if rel == "" && e.Name() == skip {
			continue
		}
		childRel := e.Name()
		if rel != "" {
			childRel = rel + "/" + e.Name()
		}
		child := filepath.Join(dir, e.Name())

		switch {
		case isExcluded(childRel, m.excludes):
		case e.IsDir() && containsExcluded(childRel, m.excludes):
			if err := makeWritable(child); err != nil {
				return err
			}
			if err := m.clear(child, childRel, skip); err != nil {
				return err
			}
		default:
			if err := removeTree(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeMove renames every entry of src into dst, descending into
// directories that already exist in dst.
func mergeMove(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		from := filepath.Join(src, e.Name())
		to := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if st, err := os.Lstat(to); err == nil && st.IsDir() {
				if err := makeWritable(to); err != nil {
					return err
				}
				if err := mergeMove(from, to); err != nil {
					return err
				}
				continue
			}
		}
		if err := os.Rename(from, to); err != nil {
			return err
		}
	}
	return nil
}

// CreateBackup implements update.BackupManager.
func (m *Manager) CreateBackup(ctx context.Context) (update.BackupHandle, error) {
	b, err := m.Create(ctx, TypePreUpdate, "automatic backup before update")
	if err != nil {
		return "", update.Errorf(update.ErrBackup, "%w", err)
	}
	return update.BackupHandle(b.ID), nil
}

// RestoreBackup implements update.BackupManager.
func (m *Manager) RestoreBackup(ctx context.Context, h update.BackupHandle) error {
	return m.Restore(ctx, string(h))
}

// ReleaseBackup applies the retention policy once a backup is no longer
// needed for rollback.
func (m *Manager) ReleaseBackup(_ context.Context, h update.BackupHandle) error {
	if m.keep <= 0 {
		return m.Delete(string(h))
	}
	res, err := m.Prune(m.keep, TypePreUpdate)
	if err != nil {
		return err
	}
	if len(res.Deleted) > 0 {
		log.Infof("pruned %d old backups, kept %d", len(res.Deleted), res.Kept)
	}
	return nil
}

var _ update.BackupManager = (*Manager)(nil)
