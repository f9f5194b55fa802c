package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"nefit-easy-connector/config"
	"nefit-easy-connector/internal/app"
	"nefit-easy-connector/internal/channel"
	"nefit-easy-connector/internal/logger"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nefit-connector",
		Short: "Nefit Easy thermostat connector",
		Long:  "Polls a Nefit Easy thermostat and publishes its status to console, file, MQTT and InfluxDB",
		RunE:  runDaemon,

		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default $CONFIG or ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func load() (*config.Config, *logger.Logger, error) {
	path := config.ResolvePath(configFile)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.Debug
	if verbose {
		level = logger.DebugLevel
	}
	log := logger.New(level)
	log.Debugw("configuration loaded", "path", path)
	return cfg, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the polling daemon",
		Long:  "Poll the thermostat and broadcast every status to the configured channels",
		RunE:  runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, log, err := load()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	// The service manager restarts the process with the new file.
	cfg.Watch(log.Named("config"), cancel)

	a := app.New(cfg, log)
	log.Infow("Nefit Easy connector started", "serial", cfg.Nefit.SerialNumber, "interval", cfg.PollingPeriod())
	return a.RunDaemon(ctx)
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-history",
		Short: "Import the full gas usage history",
		Long:  "Read every gas usage page from the thermostat, hand it to the channels once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			watcher := cfg.Watch(log.Named("config"), cancel, config.WithoutExitOnChange())

			summary, err := app.New(cfg, log).RunImport(ctx, watcher)
			if err != nil {
				return fmt.Errorf("history import failed: %w", err)
			}
			if len(summary.FailedChannels) > 0 {
				log.Warnw("history import incomplete", "entries", summary.Entries, "failed", strings.Join(summary.FailedChannels, ","))
				return nil
			}
			log.Infow("history import finished", "entries", summary.Entries)
			return nil
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Read the thermostat status once",
		Long:  "Connect to the thermostat, print one normalized status record as JSON and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			if err := app.New(cfg, log).ReadOnce(ctx, os.Stdout); err != nil {
				return fmt.Errorf("failed to read status: %w", err)
			}
			return nil
		},
	}
}

type validation struct {
	Config   config.Config     `yaml:"config"`
	Channels []app.ChannelInfo `yaml:"channels"`
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the configuration file",
		Long:  "Load the configuration, report which channels are usable and print it with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			defer log.Sync()

			channels, infos := app.BuildChannels(cfg, nil, log.Named("channel"))
			defer channel.EndAll(channels, log)

			out, err := yaml.Marshal(validation{Config: cfg.Redacted(), Channels: infos})
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}
