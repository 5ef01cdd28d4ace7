package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/app"
	"github.com/ternarybob/registrar/internal/common"
)

var (
	// Command-line flags
	configFiles   []string // Multiple --config flags supported
	flagOverrides common.FlagOverrides

	// Global state
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:   "registrar",
	Short: "Build a geocoded institution registry",
	Long: `Registrar extracts marker coordinates from an interactive map layer,
scrapes the canonical entity list from a document archive and reconciles the
two into a geocoded registry plus a list of markers needing manual review.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (repeatable, later files override earlier ones)")
	rootCmd.PersistentFlags().StringVar(&flagOverrides.LogLevel, "log-level", "", "Log level (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&flagOverrides.OutputDir, "output", "o", "", "Output directory (overrides config)")

	rootCmd.AddCommand(extractCmd, archiveCmd, reconcileCmd, runCmd, runsCmd, exportCmd, versionCmd)
}

func main() {
	defer common.RecoverWithCrashFile()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// setup loads configuration (defaults -> files -> env -> flags), initializes
// the logger and prints the banner
func setup(cmd *cobra.Command, args []string) error {
	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("registrar.toml"); err == nil {
			configFiles = append(configFiles, "registrar.toml")
		} else if _, err := os.Stat("deployments/local/registrar.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/registrar.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	common.ApplyFlagOverrides(config, flagOverrides)

	if err := config.Validate(); err != nil {
		return err
	}

	logger = common.InitLogger(config)
	if config.Logging.Dir != "" {
		common.InstallCrashHandler(config.Logging.Dir)
	}
	common.PrintBanner(config, logger)

	logger.Debug().
		Strs("config_files", configFiles).
		Str("log_level", config.Logging.Level).
		Msg("Configuration loaded")

	return nil
}

// withApp initializes the application for one command and closes it afterwards
func withApp(fn func(a *app.App) error) error {
	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close application")
		}
	}()

	return fn(application)
}
