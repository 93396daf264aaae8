package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/szaher/designs/personagw/internal/runtime"
)

func newServeCmd() *cobra.Command {
	var (
		addr  string
		model string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Long:  "Builds every enabled persona over one shared engine and serves the chat, upload, reset and settings endpoints until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, logger, err := loadConfig(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if model != "" {
				cfg.Engine.Model = model
			}

			runtime.Version = version
			rt, err := runtime.New(ctx, cfg, runtime.Options{Logger: logger})
			if err != nil {
				return fmt.Errorf("starting gateway: %w", err)
			}

			serveErr := rt.Serve(ctx)

			closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer closeCancel()
			if err := rt.Close(closeCtx); err != nil {
				logger.Error("closing gateway", "error", err)
			}
			if serveErr != nil {
				return fmt.Errorf("serving: %w", serveErr)
			}
			logger.Info("gateway stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address; overrides config")
	cmd.Flags().StringVar(&model, "model", "", "Provider-qualified model; overrides config")

	return cmd
}
