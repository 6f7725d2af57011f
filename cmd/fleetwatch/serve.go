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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	httpapi "fleetwatch/internal/http"
	"fleetwatch/internal/logging"
	"fleetwatch/internal/observability"
	"fleetwatch/internal/portwatch"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the poll loop, HTTP API and alerting (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, flags)
		},
	}
}

func runServe(cmd *cobra.Command, flags *globalFlags) error {
	cfg, err := loadConfig(cmd.Flags(), flags)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	watcher := portwatch.New(cfg.MonitorPort, cfg.PollInterval,
		portwatch.WithLogger(logger.With(logging.String("component", "portwatch"))),
		portwatch.WithMetrics(metrics),
	)
	p := buildPipeline(ctx, cfg, logger, metrics, pipelineOptions{notify: true, history: true, ports: watcher})
	defer p.close(context.Background(), logger)

	watcher.Start(ctx)
	p.collector.Start(ctx)

	apiOpts := httpapi.Options{
		PageTitle:    cfg.PageTitle,
		PollInterval: cfg.PollInterval,
		Metrics:      metrics.Handler(),
		WebDir:       cfg.WebDir,
		Logger:       logger.With(logging.String("component", "http")),
	}
	if p.history != nil {
		apiOpts.History = p.history
	}
	server := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      httpapi.New(p.collector, apiOpts),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		defer close(shutdownDone)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "shutdown error", logging.Err(err))
		}
	}()

	logger.Info(ctx, "fleetwatch listening",
		logging.String("addr", cfg.HTTPListenAddr),
		logging.Duration("poll_interval", cfg.PollInterval),
		logging.Any("demo", cfg.DemoMode),
	)
	serveErr := server.ListenAndServe()
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	cancel()
	<-shutdownDone
	p.collector.Wait()
	watcher.Wait()
	return serveErr
}
