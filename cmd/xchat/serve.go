package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/effective-security/xchat/httpapi"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP chat API",
	Long: `serve connects the configured tool servers, builds the model from the
provider configuration and serves the chat API until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, cfg, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close() }()

		return httpapi.New(eng).Serve(ctx, cfg.ListenAddr())
	},
}
