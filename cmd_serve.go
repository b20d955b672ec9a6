package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabfab/policy-agent/api"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr string
		lazy bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the question API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.HTTP.Addr
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			svc, closeSvc := a.newService(ctx, 0)
			defer closeSvc()

			if !lazy {
				// A missing index or model is logged, not fatal: the service
				// retries on the first request.
				if err := svc.Warm(ctx); err != nil {
					a.logger.Warn("query backend not ready", zap.Error(err))
				}
			}

			return api.New(a.cfg.HTTP, svc, a.logger.Named("http")).Run(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config http.addr)")
	cmd.Flags().BoolVar(&lazy, "lazy", false, "build the query backend on the first request instead of at startup")
	return cmd
}
