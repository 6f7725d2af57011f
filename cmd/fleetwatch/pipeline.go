package main

import (
	"context"
	"time"

	"fleetwatch/internal/collector"
	"fleetwatch/internal/config"
	"fleetwatch/internal/controlplane"
	"fleetwatch/internal/demo"
	"fleetwatch/internal/history"
	"fleetwatch/internal/logging"
	"fleetwatch/internal/notify"
	"fleetwatch/internal/observability"
	"fleetwatch/internal/probe"
	"fleetwatch/internal/statusstore"
)

type pipelineOptions struct {
	notify  bool
	history bool
	ports   collector.PortReader
}

type pipeline struct {
	collector *collector.Collector
	history   *history.Store
	closers   []func() error
}

// buildPipeline wires the poll loop and its sinks. Optional parts that fail
// to start (history database, redis) are logged and left out.
func buildPipeline(ctx context.Context, cfg config.Config, logger logging.Logger, metrics *observability.Metrics, opts pipelineOptions) *pipeline {
	p := &pipeline{}

	var (
		cp     collector.ControlPlane
		prober collector.NodeProber
	)
	if cfg.DemoMode {
		logger.Warn(ctx, "MARZBAN_URL is not set; running in demonstration mode")
		fleet := demo.NewFleet()
		cp, prober = fleet, fleet
	} else {
		cp = controlplane.NewClient(cfg.MarzbanURL, cfg.AdminUser, cfg.AdminPass, cfg.RequestTimeout,
			cfg.InsecureSkipVerify, controlplane.NewTokenCache(cfg.TokenTTL))
		prober = probe.NewProber(probe.NewResolver(cfg.AgentPort, cfg.AgentScheme), cfg.ProbePaths, cfg.ProbeTimeout,
			probe.WithLogger(logger.With(logging.String("component", "probe"))))
	}

	var sinks []collector.Sink
	if opts.history && cfg.HistoryPath != "" {
		store, err := history.Open(cfg.HistoryPath, cfg.HistoryRetention)
		if err != nil {
			logger.Error(ctx, "history disabled", logging.String("path", cfg.HistoryPath), logging.Err(err))
		} else {
			p.history = store
			p.closers = append(p.closers, store.Close)
			sinks = append(sinks, store)
		}
	}

	if opts.notify {
		sinks = append(sinks, buildTracker(ctx, cfg, logger, metrics, p))
	}

	collectorOpts := []collector.Option{
		collector.WithLogger(logger.With(logging.String("component", "collector"))),
		collector.WithMetrics(metrics),
		collector.WithSinks(sinks...),
		collector.WithConcurrency(cfg.ProbeConcurrency),
	}
	if opts.ports != nil {
		collectorOpts = append(collectorOpts, collector.WithPortReader(opts.ports))
	}
	p.collector = collector.New(cp, prober, cfg.PollInterval, collectorOpts...)
	return p
}

func buildTracker(ctx context.Context, cfg config.Config, logger logging.Logger, metrics *observability.Metrics, p *pipeline) *notify.Tracker {
	log := logger.With(logging.String("component", "notify"))

	var store notify.Store
	redisStore, err := statusstore.New(cfg.RedisURL)
	if err != nil {
		log.Warn(ctx, "status store disabled, alerts are off", logging.Err(err))
	} else {
		store = redisStore
		p.closers = append(p.closers, redisStore.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisStore.Ping(pingCtx); err != nil {
			log.Warn(ctx, "status store not reachable yet, alerts resume once it is", logging.Err(err))
		}
		cancel()
	}

	enabled := cfg.TelegramEnabled
	if cfg.DemoMode && enabled {
		log.Info(ctx, "telegram delivery is off in demonstration mode")
		enabled = false
	}
	telegram := notify.NewTelegram(notify.TelegramConfig{
		Enabled:   enabled,
		BotToken:  cfg.TelegramToken,
		ChatID:    cfg.TelegramChatID,
		APIURL:    cfg.TelegramAPIURL,
		PerSecond: cfg.TelegramRate,
		Timeout:   cfg.RequestTimeout,
	})
	var sender notify.Sender
	if telegram.Enabled() {
		sender = telegram
	} else {
		log.Info(ctx, "telegram alerts disabled; transitions are still recorded")
	}

	return notify.NewTracker(store, sender, cfg.ReminderInterval,
		notify.WithLogger(log),
		notify.WithMetrics(metrics),
	)
}

func (p *pipeline) close(ctx context.Context, logger logging.Logger) {
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			logger.Warn(ctx, "close failed", logging.Err(err))
		}
	}
}
