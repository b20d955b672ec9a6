package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/fabfab/policy-agent/config"
	"github.com/fabfab/policy-agent/observability"
	"github.com/fabfab/policy-agent/policy"
)

// app carries what every subcommand needs once the root command has loaded
// configuration.
type app struct {
	configPath string
	logLevel   string

	cfg      config.Config
	logger   *zap.Logger
	shutdown observability.ShutdownFunc
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "policy-agent",
		Short: "Answer questions about company policy documents",
		Long: `policy-agent indexes a directory of policy documents (Markdown, PDF, text)
and answers employee questions grounded in them, citing the source documents.`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a config file (yaml, toml or json)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newIngestCmd(a),
		newAskCmd(a),
		newServeCmd(a),
		newChatCmd(a),
		newClearCmd(a),
		newDocumentsCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return &policy.ConfigurationError{Op: "load config", Err: err}
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return &policy.ConfigurationError{Op: "configure logging", Err: err}
	}

	shutdown, err := observability.SetupTracing(cfg.TraceStdout, os.Stderr)
	if err != nil {
		return err
	}

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Warn("set GOMAXPROCS", zap.Error(err))
	}

	a.cfg = cfg
	a.logger = logger
	a.shutdown = shutdown
	return nil
}

func (a *app) teardown(cmd *cobra.Command, _ []string) error {
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdown(ctx); err != nil {
			a.logger.Warn("shutdown tracing", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return nil
}
