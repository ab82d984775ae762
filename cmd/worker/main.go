package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"libattend/internal/app"
	"libattend/internal/config"
	"libattend/internal/summary"
)

// Worker consumes visit events and delivers the daily attendance summary.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	log := app.Logger(cfg, "worker")

	svc, err := app.Open(ctx, cfg, log, true)
	if err != nil {
		log.Fatal().Err(err).Msg("worker start failed")
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DB.DrainGrace+5*time.Second)
		defer cancel()
		if err := svc.Close(drainCtx); err != nil {
			log.Warn().Err(err).Msg("store drain incomplete")
		}
	}()
	svc.Manager.StartKeepAlive(ctx, cfg.DB.KeepAlive)

	var sink summary.Sink = summary.LogSink{Log: log}
	if cfg.Worker.WebhookURL != "" {
		hook := summary.NewWebhookSink(cfg.Worker.WebhookURL)
		if err := hook.Health(ctx); err != nil {
			log.Warn().Err(err).Msg("summary webhook not reachable")
		}
		sink = hook
	}
	builder := summary.NewBuilder(svc.Ledger, svc.Location)

	sched := cron.New(cron.WithLocation(svc.Location))
	if _, err := sched.AddFunc(cfg.Worker.SummarySchedule, func() {
		deliverSummary(ctx, builder, sink, log)
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Worker.SummarySchedule).Msg("invalid summary schedule")
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	messages, err := svc.Queue.Consume(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("queue consume init failed")
	}

	log.Info().Str("schedule", cfg.Worker.SummarySchedule).Msg("worker started, waiting for messages")
	for msg := range messages {
		if err := sink.Notify(ctx, msg); err != nil {
			log.Warn().Err(err).Str("id", msg.ID).Msg("notify failed")
		}
	}
	log.Info().Msg("worker stopped")
}

func deliverSummary(ctx context.Context, b *summary.Builder, sink summary.Sink, log zerolog.Logger) {
	sum, err := b.Build(ctx, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("build daily summary")
		return
	}
	if err := sink.Deliver(ctx, sum); err != nil {
		log.Error().Err(err).Msg("deliver daily summary")
	}
}
