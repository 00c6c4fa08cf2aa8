package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sparkyfit/updater/internal/config"
	"github.com/sparkyfit/updater/internal/logging"
	"github.com/sparkyfit/updater/internal/output"
)

var (
	// Global flags
	outputFormat string
	configPath   string
	verbose      bool
	quiet        bool
	logLevel     string
	logFile      string

	// buildVersion is reported to the update service.
	buildVersion = "dev"
)

func Execute(version, commit, date string) error {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "sparkyfit-updater",
		Short: "Keep a sparkyfit installation up to date",
		Long: `sparkyfit-updater checks the sparkyfit update service for new releases,
downloads and verifies them, and installs them with a backup taken first so a
failed install is rolled back.

Run it once with check, download or update, or keep it running with serve.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := output.ParseFormat(outputFormat); err != nil {
				return err
			}
			return logging.Init(resolveLogLevel(""), logFile)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json, yaml")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to updater config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Quiet mode (errors only)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file path, rotated; \"console\" for stderr")

	// Add subcommands
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newUpdateCmd())
	rootCmd.AddCommand(newProgressCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newBackupCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newSignCmd())
	rootCmd.AddCommand(newCompletionCmd())
	rootCmd.AddCommand(newVersionCmd(version, commit, date))

	// Register completion function for output flag
	_ = rootCmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return output.Formats(), cobra.ShellCompDirectiveNoFileComp
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig locates and loads the config, then applies its log settings
// unless flags override them.
func loadConfig() (*config.Config, error) {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	file := logFile
	if file == "" {
		file = cfg.Log.File
	}
	if err := logging.Init(resolveLogLevel(cfg.Log.Level), file); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveLogLevel picks --log-level, then -v or -q, then the configured level.
func resolveLogLevel(configured string) string {
	switch {
	case logLevel != "":
		return logLevel
	case verbose:
		return "debug"
	case quiet:
		return "error"
	case configured != "":
		return configured
	}
	return "info"
}

func newWriter() *output.Writer {
	// validated in PersistentPreRunE
	format, _ := output.ParseFormat(outputFormat)
	return output.NewWriter(os.Stdout, format)
}

func isText() bool {
	format, _ := output.ParseFormat(outputFormat)
	return format == output.FormatText
}
