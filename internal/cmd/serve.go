package cmd

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sparkyfit/updater/internal/status"
	"github.com/sparkyfit/updater/internal/update"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled update checks and the status endpoint",
		Long: `Serve keeps running until interrupted. When update.enabled is set it checks
for updates every update.check_interval and, depending on update.auto_download
and update.auto_install, downloads and installs what it finds.

The status endpoint serves:
  GET /system/updates/progress   current progress record
  GET /system/updates/status     installed version, pending update, history
  GET /healthz                   liveness
  GET /metrics                   prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if listen == "" {
					listen = a.cfg.Status.Listen
				}
				return serve(cmd.Context(), a, listen)
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Status endpoint address (default from config)")

	return cmd
}

func serve(ctx context.Context, a *app, listen string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := status.NewMetrics(reg)
	if err != nil {
		return err
	}

	o, err := a.openOrchestrator(ctx, orchestratorOptions{wrapReporter: metrics.Reporter})
	if err != nil {
		return err
	}
	metrics.Attach(o)
	o.OnEvent(func(ev update.Event) {
		entry := log.WithField("version", ev.Version)
		switch ev.Type {
		case update.EventCompleted:
			entry.Info("update installed")
		case update.EventRolledBack:
			entry.Warnf("update rolled back: %v", ev.Err)
		}
	})

	srv := status.NewServer(o, a.versions, a.history, reg, a.instanceID)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, listen)
	})

	u := a.cfg.Update
	if u.Enabled {
		sched := update.NewScheduler(o, update.SchedulerOptions{
			Interval:     u.CheckInterval.Std(),
			AutoDownload: u.AutoDownload,
			AutoInstall:  u.AutoInstall,
			CheckOnStart: true,
		})
		g.Go(func() error {
			sched.Run(ctx)
			return nil
		})
	} else {
		log.Info("scheduled update checks are disabled (update.enabled is false)")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
