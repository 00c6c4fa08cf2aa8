package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sparkyfit/updater/internal/output"
)

func newStatusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the installed version and recent updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				rec, err := a.versions.Current()
				if err != nil {
					return err
				}
				view := output.StatusView{InstanceID: a.instanceID, Version: rec}

				if err := a.openDatabase(); err != nil {
					return err
				}
				view.History, err = a.history.Recent(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return newWriter().Write(view)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of history entries to show")

	return cmd
}
