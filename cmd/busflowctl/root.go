package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/transport"
	_ "github.com/drblury/busflow/transport/transports"
)

const version = "0.1.0"

// transportBuilder opens the queue manager for a loaded configuration.
type transportBuilder func(ctx context.Context, conf *configpkg.Config, logger loggingpkg.ServiceLogger) (transport.QueueManager, error)

func registryBuilder(ctx context.Context, conf *configpkg.Config, logger loggingpkg.ServiceLogger) (transport.QueueManager, error) {
	return transport.DefaultRegistry.Build(ctx, conf, loggingpkg.NewWatermillAdapter(logger))
}

type cli struct {
	configPath string
	verbose    bool
	build      transportBuilder
}

// newRootCmd assembles the command tree. A nil build selects the default
// transport registry.
func newRootCmd(build transportBuilder) *cobra.Command {
	if build == nil {
		build = registryBuilder
	}
	c := &cli{build: build}

	root := &cobra.Command{
		Use:           "busflowctl",
		Short:         "Operate busflow queues",
		Long:          "busflowctl prints the bus configuration, sends raw messages and manages dead letters.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "YAML configuration file; BUSFLOW_* variables override it")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Log transport activity to stderr")

	root.AddCommand(c.configCmd())
	root.AddCommand(c.sendCmd())
	root.AddCommand(c.queueCmd())
	root.AddCommand(c.dlqCmd())
	return root
}

func (c *cli) loadConfig() (*configpkg.Config, error) {
	return configpkg.Load(c.configPath)
}

func (c *cli) logger(stderr io.Writer) loggingpkg.ServiceLogger {
	if !c.verbose {
		return loggingpkg.NopLogger{}
	}
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// withTransport loads and validates the configuration, opens the transport,
// runs fn and closes the transport again.
func (c *cli) withTransport(cmd *cobra.Command, fn func(conf *configpkg.Config, qm transport.QueueManager) error) error {
	conf, err := c.loadConfig()
	if err != nil {
		return err
	}
	if err := conf.Validate(); err != nil {
		return err
	}
	qm, err := c.build(cmd.Context(), conf, c.logger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	runErr := fn(conf, qm)
	if err := qm.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}
