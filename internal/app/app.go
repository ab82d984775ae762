// Package app wires configuration into the long-lived services shared by the
// api, worker and libctl binaries.
package app

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"

	"libattend/internal/attendance"
	"libattend/internal/config"
	"libattend/internal/logger"
	"libattend/internal/members"
	"libattend/internal/metrics"
	"libattend/internal/queue"
	"libattend/internal/store"
)

// Services bundles what a binary needs after start-up.
type Services struct {
	Config   *config.App
	Log      zerolog.Logger
	Location *time.Location
	Manager  *store.Manager
	Redis    *store.Redis
	Queue    queue.Queue
	Members  *members.Registry
	Ledger   *attendance.Ledger
	Importer *members.Importer
}

// Logger initialises the process logger from cfg.
func Logger(cfg *config.App, service string) zerolog.Logger {
	return logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: service,
	})
}

// StoreConfig maps database settings onto the connection manager.
func StoreConfig(db config.Database) store.Config {
	return store.Config{
		Driver:            db.Driver,
		DSN:               db.URL,
		MaxConns:          db.MaxConns,
		MaxIdleConns:      db.MaxIdleConns,
		ConnectTimeout:    db.ConnectTimeout,
		IdleTimeout:       db.IdleTimeout,
		ConnMaxLifetime:   db.ConnMaxLifetime,
		DrainGrace:        db.DrainGrace,
		DedicatedFailFast: db.DedicatedFailFast,
	}
}

// Open connects the store and queue and builds the domain services.
// withQueue controls whether a queue backend is opened at all.
func Open(ctx context.Context, cfg *config.App, log zerolog.Logger, withQueue bool) (*Services, error) {
	loc, err := time.LoadLocation(cfg.Worker.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Worker.Timezone, err)
	}
	policy, err := attendance.ParseTagPolicy(cfg.Ledger.CheckoutTagPolicy)
	if err != nil {
		return nil, err
	}

	m, err := store.NewManager(ctx, StoreConfig(cfg.DB), log)
	if err != nil {
		return nil, err
	}
	if err := metrics.RegisterDBStats(m.DB(), "pooled"); err != nil {
		log.Warn().Err(err).Msg("db stats collector not registered")
	}

	s := &Services{Config: cfg, Log: log, Location: loc, Manager: m}
	if withQueue {
		switch cfg.Redis.QueueBackend {
		case "memory":
			s.Queue = queue.NewInMemory(256)
		default:
			s.Redis = store.ConnectRedis(ctx, store.RedisConfig{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB}, log)
			s.Queue = queue.NewRedisQueue(s.Redis.Client, cfg.Redis.QueueKey, log)
		}
	}

	s.Members = members.NewRegistry(m, members.Options{
		CacheTTL:         cfg.Search.CacheTTL,
		CacheSize:        cfg.Search.CacheSize,
		StatementTimeout: cfg.Search.StatementTimeout,
		WallClock:        cfg.Search.WallClock,
	}, log)
	opts := attendance.Options{
		Policy:      policy,
		Location:    loc,
		Invalidator: s.Members,
	}
	if s.Queue != nil {
		opts.Publisher = s.Queue
	}
	s.Ledger = attendance.NewLedger(m, opts, log)
	s.Importer = members.NewImporter(m, s.Members, log)
	return s, nil
}

// Close drains the store and closes redis.
func (s *Services) Close(ctx context.Context) error {
	err := s.Manager.Drain(ctx)
	if s.Redis != nil {
		if cerr := s.Redis.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
