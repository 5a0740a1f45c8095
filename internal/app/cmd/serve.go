package cmd

import (
	"context"

	"tenantgate/internal/app/server"
	corelog "tenantgate/internal/core/log"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the HTTP gateway until SIGINT or SIGTERM.

Environment variables override the config file, e.g.
  CENTRAL_DB_DSN, JWT_SECRET, LISTEN_ADDR, MESSAGE_BROKER_TYPE`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	srv, err := server.New(context.Background(), cfg, path)
	if err != nil {
		return err
	}
	if err := srv.Run(cmd.Context()); err != nil {
		return err
	}

	corelog.Infof("tenantgate exited gracefully")
	return nil
}
