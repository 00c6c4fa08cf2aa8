package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sparkyfit/updater/internal/backup"
	"github.com/sparkyfit/updater/internal/interactive"
	"github.com/sparkyfit/updater/internal/output"
	"github.com/sparkyfit/updater/internal/update"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up and restore the sparkyfit installation",
		Long: `Backup manages snapshots of the installation root.

Backups are gzipped tar archives stored in backup.dir next to a JSON metadata
file holding the archive SHA-256 and a hash of the tree they were taken from.
Paths listed in backup.excludes are neither archived nor touched on restore.

A pre_update backup is taken automatically before every install. Manual
backups are never pruned automatically.`,
	}

	cmd.AddCommand(newBackupCreateCmd())
	cmd.AddCommand(newBackupListCmd())
	cmd.AddCommand(newBackupRestoreCmd())
	cmd.AddCommand(newBackupDeleteCmd())
	cmd.AddCommand(newBackupPruneCmd())

	return cmd
}

func newBackupCreateCmd() *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				bak, err := a.openBackups().Create(cmd.Context(), backup.TypeManual, note)
				if err != nil {
					return err
				}
				if isText() {
					msg := fmt.Sprintf("Backup created: %s\nLocation: %s", bak.ID, a.backups.BackupDir())
					if note != "" {
						msg += "\nNote: " + note
					}
					return newWriter().Write(output.Message{Message: msg})
				}
				return newWriter().Write(bak)
			})
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "Add a note to describe this backup")

	return cmd
}

func newBackupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				backups, err := a.openBackups().List()
				if err != nil {
					return err
				}
				return newWriter().Write(output.BackupList(backups))
			})
		},
	}
}

func newBackupRestoreCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore the installation from a backup",
		Long: `Restore replaces the installation root with the contents of a backup and
checks the result against the tree hash recorded when the backup was taken.

Use 'latest' as the ID to restore the most recent backup.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				return runBackupRestore(cmd.Context(), a, args[0], yes)
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")

	return cmd
}

func newBackupDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if err := a.openBackups().Delete(args[0]); err != nil {
					return err
				}
				return newWriter().Write(output.Message{Message: "Deleted backup " + args[0]})
			})
		},
	}
}

func newBackupPruneCmd() *cobra.Command {
	var (
		keep int
		all  bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old backups",
		Long: `Prune deletes old pre_update backups, keeping only the most recent N.
With --all, manual backups are counted and pruned as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if !cmd.Flags().Changed("keep") {
					keep = a.cfg.Backup.Keep
				}
				types := []backup.Type{backup.TypePreUpdate}
				if all {
					types = nil
				}
				res, err := a.openBackups().Prune(keep, types...)
				if err != nil {
					return err
				}
				return newWriter().Write(output.PruneView{PruneResult: *res})
			})
		},
	}

	cmd.Flags().IntVar(&keep, "keep", backup.DefaultKeepCount, "Number of backups to keep (default from config)")
	cmd.Flags().BoolVar(&all, "all", false, "Include manual backups")

	return cmd
}

func runBackupRestore(ctx context.Context, a *app, id string, yes bool) error {
	m := a.openBackups()
	bak, err := m.Get(id)
	if err != nil {
		return err
	}

	err = interactive.Require(yes, "restore", func(p *interactive.Prompter) bool {
		return p.ConfirmRestore(bak.ID, a.cfg.Paths.LiveRoot)
	})
	if err != nil {
		return err
	}

	// an update cycle in another process must not run underneath a restore
	if _, err := a.openProgress(ctx); err != nil {
		return err
	}
	if l := a.lock(); l != nil {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: an update is running", update.ErrConcurrentOperation)
		}
		defer func() {
			_ = l.Unlock(context.WithoutCancel(ctx))
		}()
	}

	if err := m.Restore(ctx, bak.ID); err != nil {
		return err
	}
	if bak.AppVersion != "" {
		prev := a.currentVersion()
		if err := a.versions.Save(update.VersionRecord{Version: bak.AppVersion, PreviousVersion: prev, UpdatedAt: time.Now()}); err != nil {
			return fmt.Errorf("restored files but failed to record version %s: %w", bak.AppVersion, err)
		}
	}
	return newWriter().Write(output.Message{Message: fmt.Sprintf("Restored %s from backup %s", a.cfg.Paths.LiveRoot, bak.ID)})
}
