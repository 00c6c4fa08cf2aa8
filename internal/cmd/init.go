package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sparkyfit/updater/internal/output"
	"github.com/sparkyfit/updater/internal/templates"
)

func newInitCmd() *cobra.Command {
	var (
		template string
		path     string
		force    bool
		list     bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long: `Init writes a config file from one of the built-in templates:

` + templateHelp() + `
The file is written to ./updater.yaml unless --path is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				return newWriter().Write(output.Message{Message: strings.TrimRight(templateHelp(), "\n")})
			}
			return runInit(template, path, force)
		},
	}

	cmd.Flags().StringVarP(&template, "template", "t", templates.Default, "Template to use")
	cmd.Flags().StringVar(&path, "path", "updater.yaml", "Where to write the config")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.Flags().BoolVar(&list, "list", false, "List the available templates")

	_ = cmd.RegisterFlagCompletionFunc("template", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return templates.List(), cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func templateHelp() string {
	var sb strings.Builder
	for _, name := range templates.List() {
		fmt.Fprintf(&sb, "  %-10s %s\n", name, templates.GetDescription(name))
	}
	return sb.String()
}

func runInit(name, path string, force bool) error {
	tmpl, err := templates.Get(name)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	// the file may end up holding a license key
	if err := os.WriteFile(path, tmpl.Content, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return newWriter().Write(output.Message{Message: fmt.Sprintf("Wrote %s config to %s", tmpl.Name, path)})
}
