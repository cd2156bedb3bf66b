package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basket/starry/internal/config"
	otelx "github.com/basket/starry/internal/otel"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = otelx.Version

type rootOptions struct {
	home  string
	debug bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "starry",
		Short: "Starry - local coding-assistant daemon",
		Long: `Starry runs a coding-assistant task loop behind a local websocket.

A presentation surface attaches to /ws, sends intents (new task, answers,
settings) and receives full state snapshots plus streaming partial messages.
Settings, task history and transcripts live under the home directory
(default ~/.starry, override with STARRY_HOME or --home).`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.home, "home", "", "Data directory (default $STARRY_HOME or ~/.starry)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if opts.debug {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
	}

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newTasksCommand(opts))
	cmd.AddCommand(newCatalogCommand(opts))
	cmd.AddCommand(newResetCommand(opts))
	cmd.AddCommand(newDoctorCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCommand().ExecuteContext(ctx)
}

// loadConfig reads config.yaml from the selected home directory.
func (o *rootOptions) loadConfig() (config.Config, error) {
	home := o.home
	if home == "" {
		home = config.HomeDir()
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if o.debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the starry version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "starry", Version)
		},
	}
}
