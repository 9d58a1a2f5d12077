package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/arena/pkg/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Arena HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(a.cfg, a.orch, a.ledger, a.store, a.logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.logger.Info("starting arena", "config", configPath, "providers", len(a.cfg.Providers))
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "arena.yaml", "path to config file")
	return cmd
}
