package main

import (
	"github.com/spf13/cobra"

	"github.com/aristath/stagerun/internal/api"
	"github.com/aristath/stagerun/internal/persistence"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run history over HTTP",
		Long: `Serve run history as JSON:

  GET /healthz
  GET /runs?limit=N
  GET /runs/{id}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.APIAddr
			}

			log, err := a.newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			store, err := persistence.NewSQLiteStore(cmd.Context(), cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			return api.NewServer(store, log).ListenAndServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config api_addr)")
	return cmd
}
