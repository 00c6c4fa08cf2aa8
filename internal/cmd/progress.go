package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sparkyfit/updater/internal/output"
	"github.com/sparkyfit/updater/internal/update"
)

func newProgressCmd() *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show the progress of a running update",
		Long: `Progress prints the last progress record published by an update cycle.
Progress is shared between processes only when progress.redis_url is set.

With --watch, prints every change until the cycle finishes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch && interval <= 0 {
				return fmt.Errorf("--interval must be positive, got %s", interval)
			}
			return withApp(func(a *app) error {
				ps, err := a.openProgress(cmd.Context())
				if err != nil {
					return err
				}
				if watch {
					return watchProgress(cmd.Context(), ps, interval)
				}
				p, err := ps.Current(cmd.Context())
				if err != nil {
					return err
				}
				return newWriter().Write(output.ProgressView{Progress: *orIdle(p)})
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep printing progress until the update finishes")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval for --watch")

	return cmd
}

func orIdle(p *update.Progress) *update.Progress {
	if p != nil {
		return p
	}
	return &update.Progress{Stage: update.StageIdle, Message: "no update in progress", Timestamp: time.Now()}
}

func watchProgress(ctx context.Context, r update.ProgressReporter, interval time.Duration) error {
	w := newWriter()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last update.Progress
	seen := false
	for {
		p, err := r.Current(ctx)
		if err != nil {
			return err
		}
		p = orIdle(p)
		if !seen || p.Stage != last.Stage || p.Percent != last.Percent || p.Message != last.Message {
			if err := w.Write(output.ProgressView{Progress: *p}); err != nil {
				return err
			}
			last, seen = *p, true
		}
		if p.Stage.Terminal() || p.Stage == update.StageIdle {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}
