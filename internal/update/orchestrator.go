package update

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// State is the orchestrator's internal cycle state. It is finer grained than
// the published Stage: Available and Downloaded are resting states between
// operator calls and are published as StageIdle.
type State int

const (
	StateIdle State = iota
	StateChecking
	StateAvailable
	StateDownloading
	StateDownloaded
	StateBackingUp
	StateInstalling
	StateMigrating
	StateRollingBack
	StateCompleted
	StateFailed
	StateRolledBack
)

var stateNames = [...]string{
	StateIdle:        "idle",
	StateChecking:    "checking",
	StateAvailable:   "available",
	StateDownloading: "downloading",
	StateDownloaded:  "downloaded",
	StateBackingUp:   "backing_up",
	StateInstalling:  "installing",
	StateMigrating:   "migrating",
	StateRollingBack: "rolling_back",
	StateCompleted:   "completed",
	StateFailed:      "failed",
	StateRolledBack:  "rolled_back",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Stage maps the state to its published progress stage.
func (s State) Stage() Stage {
	switch s {
	case StateChecking:
		return StageChecking
	case StateDownloading:
		return StageDownloading
	case StateBackingUp:
		return StageBackingUp
	case StateInstalling:
		return StageInstalling
	case StateMigrating:
		return StageMigrating
	case StateRollingBack:
		return StageRollingBack
	case StateCompleted:
		return StageCompleted
	case StateFailed:
		return StageFailed
	case StateRolledBack:
		return StageRolledBack
	}
	return StageIdle
}

// Options controls orchestrator policy.
type Options struct {
	// LiveRoot is the installation tree packages are applied to.
	LiveRoot string
	// BackupEnabled takes a snapshot before any mutation of LiveRoot.
	BackupEnabled bool
	// RollbackEnabled restores the snapshot when an install step fails.
	RollbackEnabled bool
	CheckTimeout    time.Duration
	DownloadTimeout time.Duration
	// Clock overrides time.Now.
	Clock func() time.Time
}

// Orchestrator drives one update cycle at a time through check, download
// and install.
type Orchestrator struct {
	fetcher   Fetcher
	installer Installer
	backups   BackupManager
	reporter  ProgressReporter
	versions  VersionStore
	history   HistoryRecorder
	lock      CycleLock
	opts      Options

	active atomic.Bool

	mu        sync.Mutex
	state     State
	info      *PackageInfo
	artifact  *Artifact
	lastErr   error
	listeners []func(Event)
}

// NewOrchestrator creates an orchestrator in the Idle state.
func NewOrchestrator(fetcher Fetcher, installer Installer, backups BackupManager, reporter ProgressReporter, versions VersionStore, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Orchestrator{
		fetcher:   fetcher,
		installer: installer,
		backups:   backups,
		reporter:  reporter,
		versions:  versions,
		opts:      opts,
	}
}

// WithHistory records every finished cycle.
func (o *Orchestrator) WithHistory(h HistoryRecorder) *Orchestrator {
	o.history = h
	return o
}

// WithLock adds a cross-process guard on top of the in-process one.
func (o *Orchestrator) WithLock(l CycleLock) *Orchestrator {
	o.lock = l
	return o
}

// OnEvent registers fn for notable transitions. Listeners run synchronously
// on the pipeline goroutine.
func (o *Orchestrator) OnEvent(fn func(Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// State returns the current cycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Available returns the update found by the last successful check, if any.
func (o *Orchestrator) Available() *PackageInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.info == nil {
		return nil
	}
	info := *o.info
	return &info
}

// Artifact returns the downloaded package awaiting install, if any.
func (o *Orchestrator) Artifact() *Artifact {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.artifact == nil {
		return nil
	}
	a := *o.artifact
	return &a
}

// LastError returns the error that ended the last failed operation.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// CheckForUpdates asks the update service for a newer release. It returns
// nil, nil when the installation is up to date.
func (o *Orchestrator) CheckForUpdates(ctx context.Context) (*PackageInfo, error) {
	if err := o.begin(ctx); err != nil {
		return nil, err
	}
	defer o.release(ctx)

	current, err := o.versions.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to read installed version: %w", err)
	}

	tr := newTracker(o.reporter, o.opts.Clock, uuid.NewString(), "")
	logger := log.WithField("current", current.Version)

	o.setState(StateChecking)
	tr.report(ctx, StageChecking, 0, "checking for updates")

	cctx, cancel := withTimeout(ctx, o.opts.CheckTimeout)
	info, err := o.fetcher.CheckForUpdate(cctx, current.Version)
	cancel()

	if err == nil && info != nil && !info.SignatureVerified {
		err = Errorf(ErrSecurity, "update %s was announced without a verified signature", info.Version)
		info = nil
	}
	if err != nil {
		err = cancelled(ctx, err)
		logger.Errorf("update check failed: %v", err)
		o.discard()
		o.finish(StateFailed, err)
		tr.fail(ctx, StageFailed, "update check failed", err)
		o.emit(Event{Type: EventFailed, Err: err, Time: o.opts.Clock()})
		return nil, err
	}

	if info == nil {
		logger.Info("no update available")
		o.discard()
		o.finish(StateIdle, nil)
		tr.report(ctx, StageIdle, 100, "no update available")
		return nil, nil
	}

	o.mu.Lock()
	keep := o.artifact != nil && o.artifact.Version == info.Version
	o.mu.Unlock()
	if !keep {
		o.discard()
	}

	o.mu.Lock()
	o.info = info
	if keep {
		o.state = StateDownloaded
	} else {
		o.state = StateAvailable
	}
	o.lastErr = nil
	o.mu.Unlock()

	logger.WithField("version", info.Version).Info("update available")
	tr.report(ctx, StageIdle, 100, fmt.Sprintf("update %s available", info.Version))
	o.emit(Event{Type: EventUpdateAvailable, Version: info.Version, Time: o.opts.Clock()})

	out := *info
	return &out, nil
}

// DownloadUpdate fetches and verifies the package found by the last check.
// Calling it again after a successful download returns the same artifact.
func (o *Orchestrator) DownloadUpdate(ctx context.Context) (*Artifact, error) {
	if err := o.begin(ctx); err != nil {
		return nil, err
	}
	defer o.release(ctx)

	o.mu.Lock()
	info, existing, st := o.info, o.artifact, o.state
	o.mu.Unlock()

	if info == nil {
		return nil, ErrNoUpdate
	}
	if existing != nil && st == StateDownloaded {
		a := *existing
		return &a, nil
	}

	started := o.opts.Clock()
	cycleID := uuid.NewString()
	tr := newTracker(o.reporter, o.opts.Clock, cycleID, info.Version)
	logger := log.WithFields(log.Fields{"cycle": cycleID, "version": info.Version})

	o.setState(StateDownloading)
	tr.report(ctx, StageDownloading, 0, fmt.Sprintf("downloading update %s", info.Version))

	dctx, cancel := withTimeout(ctx, o.opts.DownloadTimeout)
	defer cancel()

	p := tr.startPump(ctx)
	art, err := o.fetcher.Download(dctx, info, func(stage Stage, done, total int64) {
		if stage == StageVerifying {
			p.push(StageVerifying, 0, "verifying package")
			return
		}
		p.push(StageDownloading, percentOf(done, total), downloadMessage(done, total))
	})
	p.stop()

	if err == nil && !art.Verified() {
		err = Errorf(ErrSecurity, "package %s is not fully verified (%s)", info.Version, art.Verification)
	}
	if err != nil {
		if art != nil {
			if rerr := art.Release(); rerr != nil {
				logger.Warnf("failed to remove rejected package: %v", rerr)
			}
		}
		err = cancelled(ctx, err)
		logger.Errorf("download failed: %v", err)
		o.finish(StateFailed, err)
		tr.fail(ctx, StageFailed, "download failed", err)
		o.emit(Event{Type: EventFailed, Version: info.Version, Err: err, Time: o.opts.Clock()})
		o.record(ctx, CycleRecord{
			ID:          cycleID,
			ToVersion:   info.Version,
			Stage:       StageFailed,
			StartedAt:   started,
			CompletedAt: o.opts.Clock(),
			Error:       err.Error(),
		})
		return nil, err
	}

	tr.report(ctx, StageVerifying, 100, "package verified")

	o.mu.Lock()
	o.artifact = art
	o.state = StateDownloaded
	o.lastErr = nil
	o.mu.Unlock()

	logger.WithField("path", art.Path).Info("update downloaded and verified")
	tr.report(ctx, StageIdle, 100, fmt.Sprintf("update %s downloaded and verified", info.Version))
	o.emit(Event{Type: EventDownloaded, Version: info.Version, Time: o.opts.Clock()})

	a := *art
	return &a, nil
}

// InstallUpdate applies the downloaded package. Once the backup stage has
// begun the call no longer observes ctx cancellation: it ends in Completed,
// Failed or RolledBack. The artifact is released on every exit path.
func (o *Orchestrator) InstallUpdate(ctx context.Context) (*InstallResult, error) {
	if err := o.begin(ctx); err != nil {
		return nil, err
	}
	defer o.release(ctx)

	o.mu.Lock()
	info, art := o.info, o.artifact
	o.mu.Unlock()

	if info == nil || art == nil {
		return nil, ErrNotDownloaded
	}

	c := &cycle{
		o:       o,
		id:      uuid.NewString(),
		info:    info,
		started: o.opts.Clock(),
	}
	c.tr = newTracker(o.reporter, o.opts.Clock, c.id, info.Version)
	c.log = log.WithFields(log.Fields{"cycle": c.id, "version": info.Version})

	defer func() {
		if err := art.Release(); err != nil {
			c.log.Warnf("failed to remove package %s: %v", art.Path, err)
		}
		o.mu.Lock()
		o.artifact = nil
		o.info = nil
		o.mu.Unlock()
	}()

	return c.run(ctx, art)
}

// GetProgress returns the last published progress, or a record derived from
// the orchestrator state when the store holds nothing.
func (o *Orchestrator) GetProgress(ctx context.Context) (*Progress, error) {
	if o.reporter != nil {
		p, err := o.reporter.Current(ctx)
		if err != nil {
			log.Warnf("failed to read update progress: %v", err)
		} else if p != nil {
			return p, nil
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	p := &Progress{
		Stage:     o.state.Stage(),
		Timestamp: o.opts.Clock(),
	}
	switch o.state {
	case StateIdle:
		p.Message = "no update in progress"
	case StateAvailable:
		p.Percent = 100
		p.Message = fmt.Sprintf("update %s available", o.info.Version)
		p.Version = o.info.Version
	case StateDownloaded:
		p.Percent = 100
		p.Message = fmt.Sprintf("update %s downloaded and verified", o.info.Version)
		p.Version = o.info.Version
	default:
		if p.Stage.Terminal() {
			p.Percent = 100
		}
		p.Message = o.state.String()
	}
	if o.lastErr != nil {
		p.ErrorDetail = o.lastErr.Error()
	}
	return p, nil
}

// cycle carries the bookkeeping of one install call.
type cycle struct {
	o       *Orchestrator
	id      string
	info    *PackageInfo
	started time.Time
	from    string
	handle  BackupHandle
	// migrated counts migrations committed by this cycle. A snapshot
	// restore does not undo them.
	migrated int
	tr       *tracker
	log      *log.Entry
}

func (c *cycle) run(ctx context.Context, art *Artifact) (*InstallResult, error) {
	o := c.o

	current, err := o.versions.Current()
	if err != nil {
		return c.fail(ctx, fmt.Errorf("failed to read installed version: %w", err))
	}
	c.from = current.Version

	if ctx.Err() != nil {
		return c.fail(ctx, cancelled(ctx, ctx.Err()))
	}
	// Nothing reaches the live tree unless every check passed.
	if !art.Verified() {
		return c.fail(ctx, Errorf(ErrSecurity, "package %s is not fully verified (%s)", c.info.Version, art.Verification))
	}

	// From here on the live tree may change; only success, failure or
	// rollback can end the cycle.
	mctx := context.WithoutCancel(ctx)

	o.setState(StateBackingUp)
	if o.opts.BackupEnabled {
		c.tr.report(mctx, StageBackingUp, 0, "creating backup")
		h, err := o.backups.CreateBackup(mctx)
		if err != nil {
			return c.fail(mctx, withKind(ErrBackup, fmt.Errorf("failed to create backup: %w", err)))
		}
		c.handle = h
		c.log.WithField("backup", h).Info("backup created")
		c.tr.report(mctx, StageBackingUp, 100, fmt.Sprintf("backup %s created", h))
	} else {
		c.tr.report(mctx, StageBackingUp, 100, "backups disabled, skipping")
	}

	o.setState(StateInstalling)
	c.tr.report(mctx, StageInstalling, 0, "extracting package")
	staging, err := o.installer.Extract(mctx, art.Path)
	if staging != "" {
		defer func() {
			if err := os.RemoveAll(staging); err != nil {
				c.log.Warnf("failed to remove staging directory %s: %v", staging, err)
			}
		}()
	}
	if err != nil {
		return c.fail(mctx, withKind(ErrArchive, err))
	}

	c.tr.report(mctx, StageInstalling, 25, "validating package manifest")
	manifest, err := o.installer.ValidateManifest(staging)
	if err != nil {
		return c.fail(mctx, withKind(ErrManifest, err))
	}
	if manifest.Version != c.info.Version {
		return c.fail(mctx, Errorf(ErrManifest, "package manifest is for version %q, expected %q", manifest.Version, c.info.Version))
	}

	c.tr.report(mctx, StageInstalling, 50, "applying files")
	if err := o.installer.Apply(mctx, staging, o.opts.LiveRoot); err != nil {
		return c.fail(mctx, withKind(ErrApply, err))
	}
	c.tr.report(mctx, StageInstalling, 100, "files applied")

	rec := VersionRecord{
		Version:         c.info.Version,
		PreviousVersion: c.from,
		UpdatedAt:       o.opts.Clock(),
	}
	pending, err := o.versions.Prepare(rec)
	if err != nil {
		return c.fail(mctx, Errorf(ErrApply, "failed to record installed version: %w", err))
	}
	defer func() {
		if err := pending.Discard(); err != nil {
			c.log.Warnf("failed to discard pending version record: %v", err)
		}
	}()

	o.setState(StateMigrating)
	c.tr.report(mctx, StageMigrating, 0, "running migrations")
	applied, err := o.installer.RunPendingMigrations(mctx, staging)
	if err != nil {
		return c.fail(mctx, withKind(ErrMigration, err))
	}
	c.migrated = applied
	c.tr.report(mctx, StageMigrating, 100, fmt.Sprintf("%d migrations applied", applied))

	if err := pending.Commit(); err != nil {
		return c.fail(mctx, Errorf(ErrApply, "failed to record installed version: %w", err))
	}

	if err := o.installer.ClearDerivedCaches(mctx); err != nil {
		c.log.Warnf("failed to clear derived caches: %v", err)
	}

	if c.handle != "" {
		if err := o.backups.ReleaseBackup(mctx, c.handle); err != nil {
			c.log.Warnf("failed to apply backup retention: %v", err)
		}
	}

	res := &InstallResult{
		CycleID:         c.id,
		FromVersion:     c.from,
		ToVersion:       c.info.Version,
		Stage:           StageCompleted,
		Backup:          c.handle,
		Migrations:      applied,
		RequiresRestart: manifest.RequiresRestart,
		Duration:        o.opts.Clock().Sub(c.started),
	}

	o.finish(StateCompleted, nil)
	c.log.WithField("from", c.from).Info("update completed")
	c.tr.report(mctx, StageCompleted, 100, fmt.Sprintf("updated to %s", c.info.Version))
	o.emit(Event{Type: EventCompleted, Version: c.info.Version, Time: o.opts.Clock()})
	c.record(mctx, StageCompleted, nil)
	return res, nil
}

// fail ends the cycle. With a snapshot in hand and rollback enabled the
// snapshot is restored; a failed restore is fatal and needs an operator.
func (c *cycle) fail(ctx context.Context, cause error) (*InstallResult, error) {
	o := c.o
	res := &InstallResult{
		CycleID:     c.id,
		FromVersion: c.from,
		ToVersion:   c.info.Version,
		Backup:      c.handle,
		Duration:    o.opts.Clock().Sub(c.started),
	}

	if c.handle == "" || !o.opts.RollbackEnabled {
		if c.handle != "" {
			c.log.WithField("backup", c.handle).Warn("rollback disabled, backup kept for manual restore")
		}
		c.log.Errorf("update failed: %v", cause)
		return c.end(ctx, res, StateFailed, "update failed", cause)
	}

	c.log.Errorf("update failed, rolling back: %v", cause)
	o.setState(StateRollingBack)
	c.tr.report(ctx, StageRollingBack, 0, fmt.Sprintf("restoring backup %s", c.handle))

	if rerr := o.backups.RestoreBackup(ctx, c.handle); rerr != nil {
		err := multierror.Append(cause, Errorf(ErrRollback, "failed to restore backup %s: %w", c.handle, rerr))
		c.log.Errorf("rollback failed, manual intervention required: %v", rerr)
		return c.end(ctx, res, StateFailed, "update failed and rollback failed, manual intervention required", err)
	}

	if c.migrated > 0 {
		err := multierror.Append(cause, Errorf(ErrRollback, "files restored from %s but the database keeps %d migrations of %s", c.handle, c.migrated, c.info.Version))
		c.log.Errorf("database was migrated before the failure, manual intervention required")
		return c.end(ctx, res, StateFailed, "update failed, files restored but database migrated, manual intervention required", err)
	}

	c.log.WithField("backup", c.handle).Info("previous version restored")
	return c.end(ctx, res, StateRolledBack, "update failed, previous version restored", fmt.Errorf("update rolled back: %w", cause))
}

func (c *cycle) end(ctx context.Context, res *InstallResult, st State, message string, err error) (*InstallResult, error) {
	o := c.o
	res.Stage = st.Stage()
	o.finish(st, err)
	c.tr.fail(ctx, st.Stage(), message, err)

	typ := EventFailed
	if st == StateRolledBack {
		typ = EventRolledBack
	}
	o.emit(Event{Type: typ, Version: c.info.Version, Err: err, Time: o.opts.Clock()})
	c.record(ctx, st.Stage(), err)
	return res, err
}

func (c *cycle) record(ctx context.Context, stage Stage, err error) {
	rec := CycleRecord{
		ID:          c.id,
		FromVersion: c.from,
		ToVersion:   c.info.Version,
		Stage:       stage,
		Backup:      c.handle,
		StartedAt:   c.started,
		CompletedAt: c.o.opts.Clock(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	c.o.record(ctx, rec)
}

// begin claims the single active operation slot.
func (o *Orchestrator) begin(ctx context.Context) error {
	if !o.active.CompareAndSwap(false, true) {
		return ErrConcurrentOperation
	}
	if o.lock == nil {
		return nil
	}
	ok, err := o.lock.TryLock(ctx)
	if err != nil {
		o.active.Store(false)
		return Errorf(ErrNetwork, "failed to acquire update lock: %w", err)
	}
	if !ok {
		o.active.Store(false)
		return fmt.Errorf("%w: held by another process", ErrConcurrentOperation)
	}
	return nil
}

func (o *Orchestrator) release(ctx context.Context) {
	if o.lock != nil {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
		if err := o.lock.Unlock(uctx); err != nil {
			log.Warnf("failed to release update lock: %v", err)
		}
		cancel()
	}
	o.active.Store(false)
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) finish(s State, err error) {
	o.mu.Lock()
	o.state = s
	o.lastErr = err
	o.mu.Unlock()
}

// discard drops the pending update and deletes any downloaded package.
func (o *Orchestrator) discard() {
	o.mu.Lock()
	art := o.artifact
	o.artifact = nil
	o.info = nil
	o.mu.Unlock()

	if err := art.Release(); err != nil {
		log.Warnf("failed to remove stale package %s: %v", art.Path, err)
	}
}

func (o *Orchestrator) emit(ev Event) {
	o.mu.Lock()
	listeners := append([]func(Event){}, o.listeners...)
	o.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func (o *Orchestrator) record(ctx context.Context, rec CycleRecord) {
	if o.history == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.history.RecordCycle(hctx, rec); err != nil {
		log.Warnf("failed to record update history: %v", err)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// withKind tags err with kind unless it already carries one.
func withKind(kind, err error) error {
	if Kind(err) != nil {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// cancelled tags err as a cancellation when the caller's context ended.
func cancelled(ctx context.Context, err error) error {
	if ctx.Err() == nil || errors.Is(err, ErrCancelled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

func percentOf(done, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(done * 100 / total)
}

func downloadMessage(done, total int64) string {
	if total <= 0 {
		return fmt.Sprintf("downloaded %d bytes", done)
	}
	return fmt.Sprintf("downloaded %d of %d bytes", done, total)
}
