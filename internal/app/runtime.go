package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"casedesk/internal/config"
	"casedesk/internal/db"
	"casedesk/internal/engine"
	"casedesk/internal/migrate"
	"casedesk/internal/notify"
	"casedesk/internal/observability"
	"casedesk/internal/statscache"
)

// Options control how much of the runtime Open builds.
type Options struct {
	Workspace string
	Logger    *zap.Logger
	// Registerer receives the service metrics; nil means a fresh registry.
	Registerer prometheus.Registerer
	// Migrate applies pending migrations before the engine is returned.
	Migrate bool
}

// Runtime is a wired engine plus the resources backing it.
type Runtime struct {
	Config  *config.Config
	Conn    *db.Conn
	Engine  engine.Engine
	Metrics *observability.Metrics
	Logger  *zap.Logger

	closers []func() error
}

// Open connects the database and attaches the configured notification sinks
// and stats cache to a new engine. Redis and Kafka are optional; an absent
// address leaves the corresponding sink out.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := observability.OrNop(opts.Logger)
	conn, err := db.Open(ctx, db.Config{
		Driver:    db.Dialect(cfg.Database.Driver),
		DSN:       cfg.Database.DSN,
		Workspace: opts.Workspace,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt := &Runtime{Config: cfg, Conn: conn, Logger: logger}
	rt.closers = append(rt.closers, conn.Close)
	if opts.Migrate {
		if err := migrate.Migrate(ctx, conn); err != nil {
			rt.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	rt.Metrics = observability.InitMetrics(reg)

	e := engine.New(conn, cfg)
	e.Logger = logger
	e.Metrics = rt.Metrics
	e.Inbox = notify.Inbox{Repo: e.Repo}

	var sinks []notify.Sink
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, client.Close)
		pub, err := notify.NewRedisPublisher(client, cfg.Redis.Channel)
		if err != nil {
			rt.Close()
			return nil, err
		}
		sinks = append(sinks, pub)
		e.StatsCache = statscache.New(client, cfg.StatsTTL())
		logger.Info("redis attached", zap.String("addr", cfg.Redis.Addr), zap.Duration("stats_ttl", cfg.StatsTTL()))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := notify.NewKafkaPublisher(notify.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, pub.Close)
		sinks = append(sinks, pub)
		logger.Info("kafka attached", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	if len(sinks) > 0 {
		e.Publisher = notify.Fanout{Sinks: sinks, Metrics: rt.Metrics}
	}
	rt.Engine = e
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
