package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"edgecam/internal/config"
	"edgecam/internal/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type globals struct {
	configFile string
	logLevel   string
	console    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootCommand creates the edgecam CLI.
func rootCommand() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:           "edgecam",
		Short:         "Edge camera capture and sync agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "YAML config file (default $EDGECAM_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&g.console, "console", true, "Also log to stdout/stderr")

	rootCmd.AddCommand(
		runCommand(g),
		syncCommand(g),
		backfillCommand(g),
		versionCommand(),
	)
	return rootCmd
}

// setup loads the configuration and opens the logger.
func (g *globals) setup() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return nil, nil, err
	}
	if cfg.AppVersion == "dev" && version != "dev" {
		cfg.AppVersion = version
	}

	level := cfg.LogLevel
	if g.logLevel != "" {
		level = g.logLevel
	}
	log, err := logger.New(logger.Options{
		Directory: cfg.LogDirectory,
		Level:     level,
		Console:   g.console,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "edgecam", version)
		},
	}
}
