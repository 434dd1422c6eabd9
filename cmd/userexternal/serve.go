package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/nhle/userexternal/internal/server"
)

func newServeCmd(g *globalOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the authenticate endpoint over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(g, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			if listen == "" {
				listen = a.cfg.Server.Listen
			}
			var gatherer prometheus.Gatherer
			if a.cfg.Server.Metrics {
				gatherer = a.registry
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.New(a.chain, a.users, a.logger, gatherer).Run(ctx, listen)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address, overriding server.listen")
	return cmd
}
