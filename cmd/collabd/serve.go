package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-dev/collab/internal/logging"
	"github.com/vango-dev/collab/pkg/auth"
	"github.com/vango-dev/collab/pkg/server"
)

func serveCmd(flags *rootFlags) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration hub",
		Long: `Run the collaboration hub until interrupted.

On SIGINT or SIGTERM the hub stops accepting connections, closes the
open ones and saves every modified document before exiting.

Examples:
  collabd serve
  collabd serve --config collab.yaml
  collabd serve --address :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}

			logger, closer, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := openStore(ctx, cfg.Storage, logger)
			if err != nil {
				return fmt.Errorf("opening %s storage: %w", cfg.Storage.Driver, err)
			}
			defer func() { _ = store.Close() }()

			opts := []server.Option{server.WithLogger(logger)}
			if cfg.AuthEnabled() {
				a, err := auth.NewAuthenticator(cfg.AuthConfig())
				if err != nil {
					return err
				}
				opts = append(opts, server.WithAuthenticator(a))
			} else {
				logger.Warn("authentication disabled; every client connects anonymously")
			}

			srv, err := server.New(cfg.ServerConfig(), store, opts...)
			if err != nil {
				return err
			}
			logger.Info("collabd starting",
				"version", version,
				"config", cfg.Path(),
				"storage", cfg.Storage.Driver,
			)
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "Listen address (overrides config)")
	return cmd
}
