package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/obd-telemetry/internal/infrastructure/config"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/logging"
)

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "obdtelemetry",
		Short:         "OBD-II telemetry publisher and ingestor",
		Long:          "obdtelemetry reads live sensor values from an ELM327 adapter, ships them over MQTT and stores them in InfluxDB.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv(configEnvVar),
		"Path to YAML config file (env "+configEnvVar+"); defaults and environment only when empty")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"Override logging.level (debug, info, warn, error)")

	root.AddCommand(newPublishCmd(opts))
	root.AddCommand(newIngestCmd(opts))
	root.AddCommand(newWatchCmd(opts))
	root.AddCommand(newVersionCmd())

	return root
}

// load reads the configuration and builds the process logger from it.
func (o *globalOptions) load() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}

	log := logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", o.configPath, "commit", commit, "build_date", date)
	return cfg, log, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "obdtelemetry %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
