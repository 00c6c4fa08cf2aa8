package backup

import (
	"context"
	"testing"
	"time"

	"github.com/sparkyfit/updater/internal/update"
)

func createN(t *testing.T, m *Manager, typ Type, n int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		bak, err := m.Create(context.Background(), typ, "")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		ids = append(ids, bak.ID)
		time.Sleep(5 * time.Millisecond)
	}
	return ids
}

func TestManager_Prune(t *testing.T) {
	m, _ := newTestManager(t)
	createN(t, m, TypeManual, 5)

	result, err := m.Prune(2)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if result.Kept != 2 {
		t.Errorf("Prune() Kept = %v, want 2", result.Kept)
	}
	if len(result.Deleted) != 3 {
		t.Errorf("Prune() Deleted count = %v, want 3", len(result.Deleted))
	}

	backups, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 2 {
		t.Errorf("List() after Prune() = %d, want 2", len(backups))
	}
}

func TestManager_PruneNothingToDelete(t *testing.T) {
	m, _ := newTestManager(t)
	createN(t, m, TypeManual, 2)

	result, err := m.Prune(5)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if result.Kept != 2 || len(result.Deleted) != 0 {
		t.Errorf("Prune() = kept %d deleted %d, want kept 2 deleted 0", result.Kept, len(result.Deleted))
	}
}

func TestManager_PruneNegative(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Prune(-1); err == nil {
		t.Error("Prune(-1) should fail")
	}
}

func TestManager_PruneByType(t *testing.T) {
	m, _ := newTestManager(t)
	manual := createN(t, m, TypeManual, 2)
	createN(t, m, TypePreUpdate, 3)

	result, err := m.Prune(1, TypePreUpdate)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if len(result.Deleted) != 2 {
		t.Errorf("Prune() Deleted count = %v, want 2", len(result.Deleted))
	}
	for _, id := range manual {
		if _, err := m.Get(id); err != nil {
			t.Errorf("manual backup %s was pruned: %v", id, err)
		}
	}
}

func TestManager_ReleaseBackup(t *testing.T) {
	t.Run("keep zero deletes", func(t *testing.T) {
		m, _ := newTestManager(t)
		m.WithKeep(0)

		h, err := m.CreateBackup(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if err := m.ReleaseBackup(context.Background(), h); err != nil {
			t.Fatalf("ReleaseBackup() error = %v", err)
		}
		if _, err := m.Get(string(h)); err == nil {
			t.Error("released backup still exists with keep 0")
		}
	})

	t.Run("keep n retains newest", func(t *testing.T) {
		m, _ := newTestManager(t)
		m.WithKeep(2)

		var last update.BackupHandle
		for i := 0; i < 3; i++ {
			h, err := m.CreateBackup(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			last = h
			time.Sleep(5 * time.Millisecond)
		}
		if err := m.ReleaseBackup(context.Background(), last); err != nil {
			t.Fatalf("ReleaseBackup() error = %v", err)
		}

		backups, err := m.List()
		if err != nil {
			t.Fatal(err)
		}
		if len(backups) != 2 {
			t.Fatalf("List() = %d backups, want 2", len(backups))
		}
		if backups[0].ID != string(last) {
			t.Errorf("newest backup = %s, want %s", backups[0].ID, last)
		}
	})
}
