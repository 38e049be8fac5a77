package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reeveci/reeve-pipeline/approvals"
	"github.com/reeveci/reeve-pipeline/config"
	"github.com/reeveci/reeve-pipeline/httpapi"
)

const SHUTDOWN_TIMEOUT = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the http api and run pipelines on push",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger := cfg.Logger("reeve-pipeline")

	pipelines, err := loadPipelines(cfg.Pipelines)
	if err != nil {
		return err
	}
	if len(pipelines) == 0 {
		return fmt.Errorf("no pipelines configured")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := approvals.NewBroker(cfg.Notifier(logger.Named("approvals")), logger.Named("approvals"))
	r, closeFn, err := newRunner(ctx, cfg, broker, logger, os.Stdout)
	if err != nil {
		return err
	}
	defer closeFn()

	resumed, err := r.Recover(ctx, pipelines)
	if err != nil {
		return fmt.Errorf("error recovering runs - %w", err)
	}
	logger.Info("pipelines loaded", "pipelines", sortedNames(pipelines), "resumed", resumed)

	server := &http.Server{
		Addr: cfg.Listen,
		Handler: httpapi.New(httpapi.Options{
			Runner:        r,
			Pipelines:     pipelines,
			Environment:   cfg.Environment,
			WebhookSecret: cfg.Webhook.Secret,
			Logger:        logger.Named("http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.Listen)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
	defer cancel()

	server.Shutdown(shutdownCtx)
	if closeErr := r.Close(shutdownCtx); closeErr != nil {
		logger.Warn("stages were aborted, their runs fail on the next start", "error", closeErr)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
