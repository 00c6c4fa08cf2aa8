package backup

import (
	"fmt"
)

// DefaultKeepCount is the default number of backups to retain.
const DefaultKeepCount = 30

// PruneResult contains information about what was pruned.
type PruneResult struct {
	Deleted []BackupInfo `json:"deleted" yaml:"deleted"`
	Kept    int          `json:"kept" yaml:"kept"`
}

// Prune removes old backups, keeping only the most recent keep backups of the
// given types. With no types every backup is a candidate.
func (m *Manager) Prune(keep int, types ...Type) (*PruneResult, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep count must be non-negative")
	}

	all, err := m.List()
	if err != nil {
		return nil, err
	}

	// List is sorted newest first
	var candidates []BackupInfo
	for _, b := range all {
		if matchesType(b.Type, types) {
			candidates = append(candidates, b)
		}
	}

	result := &PruneResult{}
	if len(candidates) <= keep {
		result.Kept = len(candidates)
		return result, nil
	}

	result.Kept = keep
	for _, backup := range candidates[keep:] {
		if err := m.Delete(backup.ID); err != nil {
			return nil, fmt.Errorf("failed to delete backup %s: %w", backup.ID, err)
		}
		result.Deleted = append(result.Deleted, backup)
	}

	return result, nil
}

func matchesType(t Type, types []Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}
