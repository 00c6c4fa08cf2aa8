package update

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultCheckInterval is how often the scheduler asks for updates when no
// interval is configured.
const DefaultCheckInterval = time.Hour

// SchedulerOptions controls what a scheduled tick does after a check finds
// an update.
type SchedulerOptions struct {
	Interval time.Duration
	// AutoDownload fetches and verifies a found update.
	AutoDownload bool
	// AutoInstall downloads and installs a found update. Implies AutoDownload.
	AutoInstall bool
	// CheckOnStart runs the first check right away instead of after one
	// interval.
	CheckOnStart bool
}

// Scheduler runs the orchestrator periodically.
type Scheduler struct {
	o    *Orchestrator
	opts SchedulerOptions
}

// NewScheduler creates a scheduler for o.
func NewScheduler(o *Orchestrator, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultCheckInterval
	}
	return &Scheduler{o: o, opts: opts}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	log.Infof("checking for updates every %s", s.opts.Interval)

	if s.opts.CheckOnStart {
		s.Tick(ctx)
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			log.Debug("update scheduler stopped")
			return
		}
	}
}

// Tick runs one scheduled cycle. A cycle started by an operator in the
// meantime makes the tick a no-op.
func (s *Scheduler) Tick(ctx context.Context) {
	info, err := s.o.CheckForUpdates(ctx)
	if skip(err) {
		return
	}
	if err != nil || info == nil {
		return
	}
	if !s.opts.AutoDownload && !s.opts.AutoInstall {
		return
	}

	if _, err := s.o.DownloadUpdate(ctx); err != nil {
		if !skip(err) {
			log.Warnf("scheduled download of %s failed: %v", info.Version, err)
		}
		return
	}
	if !s.opts.AutoInstall {
		return
	}

	res, err := s.o.InstallUpdate(ctx)
	if err != nil {
		if !skip(err) {
			log.Warnf("scheduled install of %s failed: %v", info.Version, err)
		}
		return
	}
	if res.RequiresRestart {
		log.Warnf("update %s installed, restart required", res.ToVersion)
	}
}

func skip(err error) bool {
	if errors.Is(err, ErrConcurrentOperation) {
		log.Debug("update operation in progress, skipping scheduled run")
		return true
	}
	return false
}
