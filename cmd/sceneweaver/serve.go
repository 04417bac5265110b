package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sceneweaver/sceneweaver/pkg/api"
	"github.com/sceneweaver/sceneweaver/pkg/config"
)

const httpShutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	app, err := buildApp(cfg)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.start(ctx); err != nil {
		return &exitError{code: exitFailure, err: err}
	}

	server := api.NewServer(app.ctrl, app.runtime, app.hub, app.store, cfg)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	interrupted := false
	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)
		interrupted = sig == syscall.SIGINT
	case err := <-serverErr:
		if err != nil {
			return &exitError{code: exitFailure, err: err}
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown error", "error", err)
	}

	app.ctrl.Shutdown()
	cancel()
	app.runtime.Wait()

	if interrupted {
		return &exitError{code: exitInterrupted}
	}
	return nil
}
