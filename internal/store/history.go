package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sparkyfit/updater/internal/update"
)

// HistoryEntry is one finished update cycle.
type HistoryEntry struct {
	ID          uint         `gorm:"primaryKey;autoIncrement" json:"-" yaml:"-"`
	UUID        string       `gorm:"size:36;uniqueIndex" json:"id" yaml:"id"`
	InstanceID  string       `gorm:"size:36;index" json:"instance_id" yaml:"instance_id"`
	FromVersion string       `gorm:"size:64" json:"from_version" yaml:"from_version"`
	ToVersion   string       `gorm:"size:64" json:"to_version" yaml:"to_version"`
	Status      update.Stage `gorm:"size:32;index" json:"status" yaml:"status"`
	Backup      string       `gorm:"size:128" json:"backup,omitempty" yaml:"backup,omitempty"`
	StartedAt   time.Time    `json:"started_at" yaml:"started_at"`
	CompletedAt time.Time    `gorm:"index" json:"completed_at" yaml:"completed_at"`
	Error       string       `gorm:"type:text" json:"error,omitempty" yaml:"error,omitempty"`
}

func (HistoryEntry) TableName() string { return "update_history" }

// History implements update.HistoryRecorder.
type History struct {
	db         *gorm.DB
	instanceID string
}

// NewHistory prepares the update_history table.
func NewHistory(db *gorm.DB, instanceID string) (*History, error) {
	if err := db.AutoMigrate(&HistoryEntry{}); err != nil {
		return nil, fmt.Errorf("failed to prepare update history table: %w", err)
	}
	return &History{db: db, instanceID: instanceID}, nil
}

// RecordCycle implements update.HistoryRecorder.
func (h *History) RecordCycle(ctx context.Context, rec update.CycleRecord) error {
	entry := HistoryEntry{
		UUID:        rec.ID,
		InstanceID:  h.instanceID,
		FromVersion: rec.FromVersion,
		ToVersion:   rec.ToVersion,
		Status:      rec.Stage,
		Backup:      string(rec.Backup),
		StartedAt:   rec.StartedAt.UTC(),
		CompletedAt: rec.CompletedAt.UTC(),
		Error:       rec.Error,
	}
	if err := h.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to record update %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	var entries []HistoryEntry
	err := h.db.WithContext(ctx).
		Order("completed_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read update history: %w", err)
	}
	return entries, nil
}

var _ update.HistoryRecorder = (*History)(nil)
