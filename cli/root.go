package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/certa-labs/certa/pkg/config"
	"github.com/certa-labs/certa/pkg/logger"
	"github.com/certa-labs/certa/pkg/version"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "certa",
		Short:         "Certa website policy compliance checker",
		Version:       version.Get().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return SetupGlobalConfig(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "certa.yaml", "Path to the config file")
	flags.String("env-file", ".env", "Path to the environment file")
	flags.String("log-level", "", "Log level (debug, info, warn, error, disabled)")
	flags.Bool("log-json", false, "Write logs as JSON")
	flags.Bool("log-source", false, "Include source locations in logs")

	root.AddCommand(
		WorkerCmd(),
		EnqueueCmd(),
		StatusCmd(),
		ConfigCmd(),
		VersionCmd(),
	)

	return root
}

// SetupGlobalConfig loads configuration and installs the logger, then stores
// both in the command context.
func SetupGlobalConfig(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := loadEnvFile(cmd); err != nil {
		return err
	}
	cfg, _, err := loadConfig(ctx, cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger.SetupLogger(logger.LogLevel(cfg.Log.Level), cfg.Log.JSON, cfg.Log.AddSource)
	ctx = logger.ContextWithLogger(ctx, log)
	ctx = config.ContextWithConfig(ctx, cfg)
	cmd.SetContext(ctx)
	return nil
}

// loadEnvFile loads the --env-file dotenv file, if any, and returns its path.
func loadEnvFile(cmd *cobra.Command) (string, error) {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return "", fmt.Errorf("failed to get env-file flag: %w", err)
	}
	if err := config.LoadEnvFile(envFile); err != nil {
		return "", err
	}
	return envFile, nil
}

// loadConfig layers the YAML file and explicitly set logging flags over
// defaults and environment.
func loadConfig(ctx context.Context, cmd *cobra.Command) (*config.Config, config.Service, error) {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cliFlags, err := extractCLIFlags(cmd)
	if err != nil {
		return nil, nil, err
	}
	service := config.NewService()
	cfg, err := service.Load(ctx, config.NewYAMLProvider(configFile), config.NewCLIProvider(cliFlags))
	if err != nil {
		return nil, nil, err
	}
	return cfg, service, nil
}

// extractCLIFlags maps changed logging flags to config paths.
func extractCLIFlags(cmd *cobra.Command) (map[string]any, error) {
	level, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if cmd.Flags().Changed("log-level") {
		out["log.level"] = level.String()
	}
	if cmd.Flags().Changed("log-json") {
		out["log.json"] = logJSON
	}
	if cmd.Flags().Changed("log-source") {
		out["log.add_source"] = logSource
	}
	return out, nil
}

// VersionCmd prints build information as JSON.
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeJSON(cmd.OutOrStdout(), version.Get())
		},
	}
}
