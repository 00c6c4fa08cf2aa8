package cmd

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/sparkyfit/updater/internal/backup"
	"github.com/sparkyfit/updater/internal/config"
	"github.com/sparkyfit/updater/internal/fetch"
	"github.com/sparkyfit/updater/internal/install"
	"github.com/sparkyfit/updater/internal/progress"
	"github.com/sparkyfit/updater/internal/security"
	"github.com/sparkyfit/updater/internal/state"
	"github.com/sparkyfit/updater/internal/store"
	"github.com/sparkyfit/updater/internal/update"
)

// app holds the components built from one config. Not every command needs
// all of them; each open* method builds its part on first use.
type app struct {
	cfg *config.Config

	versions   *state.FileStore
	instanceID string
	backups    *backup.Manager
	history    *store.History
	migrator   *store.Migrator
	progress   *progress.Store
	redis      *redis.Client

	closers []func() error
}

func newApp(cfg *config.Config) (*app, error) {
	id, err := state.InstanceID(cfg.Paths.StateDir)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:        cfg,
		versions:   state.NewFileStore(cfg.VersionFile(), cfg.Update.InitialVersion),
		instanceID: id,
	}, nil
}

// Close releases every connection opened by the app.
func (a *app) Close() error {
	var merr *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	a.closers = nil
	return merr.ErrorOrNil()
}

func (a *app) currentVersion() string {
	rec, err := a.versions.Current()
	if err != nil {
		log.Warnf("failed to read installed version: %v", err)
		return ""
	}
	return rec.Version
}

func (a *app) openBackups() *backup.Manager {
	if a.backups == nil {
		a.backups = backup.NewManager(a.cfg.Backup.Dir, a.cfg.Paths.LiveRoot).
			WithExcludes(a.cfg.Backup.Excludes...).
			WithKeep(a.cfg.Backup.Keep).
			WithVersionSource(a.currentVersion)
	}
	return a.backups
}

func (a *app) openDatabase() error {
	if a.history != nil {
		return nil
	}
	engine, err := store.ParseEngine(a.cfg.Database.Engine)
	if err != nil {
		return err
	}
	db, err := store.Open(engine, a.cfg.DatabaseDSN())
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { return store.Close(db) })

	history, err := store.NewHistory(db, a.instanceID)
	if err != nil {
		return err
	}
	a.history = history
	a.migrator = store.NewMigrator(db)
	return nil
}

func (a *app) openProgress(ctx context.Context) (*progress.Store, error) {
	if a.progress != nil {
		return a.progress, nil
	}
	backend, client, err := progress.NewBackend(ctx, a.cfg.Progress.RedisURL)
	if err != nil {
		return nil, err
	}
	if client != nil {
		a.redis = client
		a.closers = append(a.closers, client.Close)
	}
	a.progress = progress.New(backend, a.cfg.Progress.TTL.Std())
	return a.progress, nil
}

// lock returns the cross-process cycle lock, or nil when progress is kept
// in memory and no other process can observe it.
func (a *app) lock() *progress.Lock {
	if a.redis == nil {
		return nil
	}
	return progress.NewLock(a.redis, a.cfg.Progress.LockTTL.Std())
}

// orchestratorOptions lets serve decorate the reporter and attach listeners.
type orchestratorOptions struct {
	wrapReporter func(update.ProgressReporter) update.ProgressReporter
}

func (a *app) openOrchestrator(ctx context.Context, opts orchestratorOptions) (*update.Orchestrator, error) {
	keys, err := security.LoadPublicKeys(a.cfg.Security.PublicKeys)
	if err != nil {
		return nil, err
	}
	verifier := security.NewVerifier(keys, a.cfg.Security.Scan)

	u := a.cfg.Update
	if u.CheckURL == "" {
		return nil, fmt.Errorf("update.check_url is not configured")
	}
	fetcher, err := fetch.NewClient(fetch.Options{
		CheckURL:       u.CheckURL,
		Platform:       u.Platform,
		LicenseKey:     u.LicenseKey,
		InstanceID:     a.instanceID,
		AgentVersion:   buildVersion,
		VerifySSL:      u.VerifySSL,
		ScratchDir:     a.cfg.Paths.ScratchDir,
		Retries:        u.Retries,
		RetryInterval:  u.RetryInterval.Std(),
		MaxPackageSize: u.MaxPackageSize,
	}, verifier)
	if err != nil {
		return nil, err
	}

	if err := a.openDatabase(); err != nil {
		return nil, err
	}

	var flushers []install.CacheFlusher
	if a.cfg.Cache.RedisURL != "" {
		f, err := install.NewRedisFlusher(a.cfg.Cache.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, f.Close)
		flushers = append(flushers, f)
	}
	installer := install.New(install.Options{
		ScratchDir:      a.cfg.Paths.ScratchDir,
		CacheDirs:       a.cfg.Cache.Dirs,
		MaxUnpackedSize: a.cfg.Security.Scan.MaxUnpackedSize,
	}, a.migrator, flushers...)

	ps, err := a.openProgress(ctx)
	if err != nil {
		return nil, err
	}
	var reporter update.ProgressReporter = ps
	if opts.wrapReporter != nil {
		reporter = opts.wrapReporter(reporter)
	}

	o := update.NewOrchestrator(fetcher, installer, a.openBackups(), reporter, a.versions, update.Options{
		LiveRoot:        a.cfg.Paths.LiveRoot,
		BackupEnabled:   a.cfg.Backup.Enabled,
		RollbackEnabled: a.cfg.Backup.RollbackEnabled,
		CheckTimeout:    u.CheckTimeout.Std(),
		DownloadTimeout: u.DownloadTimeout.Std(),
	}).WithHistory(a.history)
	if l := a.lock(); l != nil {
		o.WithLock(l)
	}
	return o, nil
}

// withApp loads the config, builds an app and closes it after fn returns.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warnf("failed to close resources: %v", err)
		}
	}()
	return fn(a)
}
