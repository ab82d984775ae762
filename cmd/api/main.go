package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"libattend/internal/api"
	"libattend/internal/app"
	"libattend/internal/auth"
	"libattend/internal/config"
	"libattend/internal/summary"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	log := app.Logger(cfg, "api")

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("api server failed")
	}
}

func run(ctx context.Context, cfg *config.App, log zerolog.Logger) error {
	svc, err := app.Open(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	svc.Manager.StartKeepAlive(ctx, cfg.DB.KeepAlive)

	// Without redis there is no separate worker to drain the queue.
	if cfg.Redis.QueueBackend == "memory" {
		msgs, err := svc.Queue.Consume(ctx)
		if err != nil {
			return err
		}
		sink := summary.LogSink{Log: log}
		go func() {
			for msg := range msgs {
				_ = sink.Notify(ctx, msg)
			}
		}()
	}

	tokens := auth.TokenConfig{
		Issuer:     cfg.JWT.Issuer,
		SigningKey: cfg.JWT.SigningKey,
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
	}
	router := api.NewRouter(api.Deps{
		Manager:         svc.Manager,
		Redis:           svc.Redis,
		Ledger:          svc.Ledger,
		Members:         svc.Members,
		Importer:        svc.Importer,
		Auth:            auth.NewService(svc.Manager, tokens, log),
		Tokens:          tokens,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Location:        svc.Location,
		Log:             log,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down server")
	case err := <-errCh:
		if err != nil {
			_ = svc.Close(context.Background())
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server forced shutdown")
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DB.DrainGrace+5*time.Second)
	defer cancelDrain()
	if err := svc.Close(drainCtx); err != nil {
		log.Warn().Err(err).Msg("store drain incomplete")
	}
	log.Info().Msg("server exited")
	return nil
}
