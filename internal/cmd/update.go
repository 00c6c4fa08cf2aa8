package cmd

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sparkyfit/updater/internal/git"
	"github.com/sparkyfit/updater/internal/interactive"
	"github.com/sparkyfit/updater/internal/output"
	"github.com/sparkyfit/updater/internal/update"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the update service for a newer release",
		Long: `Check asks the update service whether a release newer than the installed
version exists. The response must carry a valid signature from a trusted key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				o, err := a.openOrchestrator(cmd.Context(), orchestratorOptions{})
				if err != nil {
					return err
				}
				res, err := check(cmd.Context(), a, o)
				if err != nil {
					return err
				}
				return newWriter().Write(res)
			})
		},
	}
}

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Download and verify the latest release without installing it",
		Long: `Download checks for a newer release and fetches its package into the
scratch directory. The package is verified against the announced SHA-256 and
scanned before it is kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				ctx := cmd.Context()
				o, err := a.openOrchestrator(ctx, orchestratorOptions{})
				if err != nil {
					return err
				}
				res, err := check(ctx, a, o)
				if err != nil {
					return err
				}
				if !res.Available {
					return newWriter().Write(res)
				}
				art, err := o.DownloadUpdate(ctx)
				if err != nil {
					return err
				}
				return newWriter().Write(output.DownloadResult{Artifact: art, Verified: art.Verified()})
			})
		},
	}
}

func newUpdateCmd() *cobra.Command {
	var yes, force bool

	cmd := &cobra.Command{
		Use:     "update",
		Aliases: []string{"install"},
		Short:   "Check, download and install the latest release",
		Long: `Update runs a full update cycle: check, download, verify, back up the
installation, apply the package and run its migrations. If any install step
fails, the backup is restored.

Asks for confirmation before downloading unless --yes is given. Refuses to
run when the installation is a git working copy with local modifications
unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				return runUpdate(cmd.Context(), a, yes, force)
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite local modifications in a git working copy")

	return cmd
}

func check(ctx context.Context, a *app, o *update.Orchestrator) (output.CheckResult, error) {
	current := a.currentVersion()
	info, err := o.CheckForUpdates(ctx)
	if err != nil {
		return output.CheckResult{}, err
	}
	return output.CheckResult{
		CurrentVersion: current,
		Available:      info != nil,
		Update:         info,
	}, nil
}

// preflight refuses to overwrite local changes in a deployed working copy.
func preflight(ctx context.Context, checker *git.Checker, liveRoot string, force bool) error {
	st := checker.Check(ctx, liveRoot)
	switch st.Level {
	case git.LevelWarning:
		if !force {
			return fmt.Errorf("%s is a git working copy with %s, an update would overwrite them (use --force)", liveRoot, st.Message)
		}
		log.Warnf("%s has %s, continuing because of --force", liveRoot, st.Message)
	case git.LevelError:
		log.Warnf("could not inspect %s: %s", liveRoot, st.Message)
	}
	return nil
}

func runUpdate(ctx context.Context, a *app, yes, force bool) error {
	if err := preflight(ctx, git.NewChecker(), a.cfg.Paths.LiveRoot, force); err != nil {
		return err
	}
	o, err := a.openOrchestrator(ctx, orchestratorOptions{})
	if err != nil {
		return err
	}
	w := newWriter()

	res, err := check(ctx, a, o)
	if err != nil {
		return err
	}
	if !res.Available {
		return w.Write(res)
	}

	err = interactive.Require(yes, "update", func(p *interactive.Prompter) bool {
		return p.ConfirmInstall(res.CurrentVersion, res.Update, a.cfg.Backup.Enabled)
	})
	if err != nil {
		return err
	}

	if _, err := o.DownloadUpdate(ctx); err != nil {
		return err
	}

	result, err := o.InstallUpdate(ctx)
	if result == nil {
		return err
	}
	out := output.InstallResult{InstallResult: *result}
	if err != nil {
		out.Error = err.Error()
	}
	if werr := w.Write(out); werr != nil {
		log.Warnf("failed to write result: %v", werr)
	}
	return err
}
