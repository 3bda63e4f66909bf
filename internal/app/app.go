// Package app assembles the store, caches, sources and pipelines shared by
// the API server and the propbot command.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/propbot/propbot/internal/ingestion"
	"github.com/propbot/propbot/internal/ingestion/notify"
	"github.com/propbot/propbot/internal/search"
	"github.com/propbot/propbot/internal/sources/grants"
	"github.com/propbot/propbot/internal/sources/sam"
	"github.com/propbot/propbot/internal/store"
	"github.com/propbot/propbot/pkg/config"
	"github.com/propbot/propbot/pkg/health"
	"github.com/propbot/propbot/pkg/kafka"
	"github.com/propbot/propbot/pkg/metrics"
	"github.com/propbot/propbot/pkg/postgres"
	"github.com/propbot/propbot/pkg/redis"
)

// Deps holds the long-lived clients of one process.
type Deps struct {
	Config  *config.Config
	DB      *postgres.Client
	Store   *store.Store
	Redis   *redis.Client // nil when Redis is unreachable
	Metrics *metrics.Metrics
	Grants  *grants.Source
	SAM     *sam.Source

	closers []func()
	logger  *slog.Logger
}

// Open connects to Postgres, applies the schema and connects to Redis.
// Redis is optional: when it cannot be reached searches go uncached.
func Open(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*Deps, error) {
	d := &Deps{
		Config:  cfg,
		Metrics: m,
		Grants:  grants.New(cfg.Sources.Grants),
		SAM:     sam.New(cfg.Sources.SAM),
		logger:  slog.Default().With("component", "app"),
	}

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	d.DB = db
	d.closers = append(d.closers, func() { db.Close() })
	d.Store = store.New(db)
	if err := d.Store.Migrate(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	d.logger.Info("connected to postgres", "database", cfg.Postgres.Database)

	if cfg.Redis.Addr != "" {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			d.logger.Warn("redis unavailable, search cache disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			d.Redis = rc
			d.closers = append(d.closers, func() { rc.Close() })
			d.logger.Info("connected to redis", "addr", cfg.Redis.Addr)
		}
	}
	return d, nil
}

// Close releases clients in reverse order of creation.
func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// Search returns the cached search service.
func (d *Deps) Search() *search.Service {
	var kv search.KV
	if d.Redis != nil {
		kv = d.Redis
	}
	return search.New(d.Store, kv, d.Config.Redis.CacheTTL).WithMetrics(d.Metrics)
}

// Sources returns the enabled source adapters in ingest order.
func (d *Deps) Sources() []ingestion.Source {
	var out []ingestion.Source
	if d.Config.Sources.Grants.Enabled {
		out = append(out, d.Grants)
	}
	if d.Config.Sources.SAM.Enabled {
		out = append(out, d.SAM)
	}
	return out
}

// Coordinator builds the ingest coordinator. When Kafka brokers are
// configured, change events are published until ctx is cancelled; stop
// flushes the remaining events and must be called before exit.
func (d *Deps) Coordinator(ctx context.Context) (c *ingestion.Coordinator, stop func()) {
	c = ingestion.NewCoordinator(d.Store, d.Config.Ingest, d.Sources()...).
		WithInvalidator(d.Search()).
		WithMetrics(d.Metrics)

	if len(d.Config.Kafka.Brokers) == 0 {
		return c, func() {}
	}
	producer := kafka.NewProducer(d.Config.Kafka, d.Config.Kafka.Topics.OpportunityEvents)
	notifyCtx, cancel := context.WithCancel(ctx)
	n := notify.New(producer, 100, 0)
	n.Start(notifyCtx)
	c.WithNotifier(n)
	d.logger.Info("publishing opportunity events", "topic", d.Config.Kafka.Topics.OpportunityEvents)

	return c, func() {
		cancel()
		n.Close()
		if err := producer.Close(); err != nil {
			d.logger.Error("closing event producer", "error", err)
		}
	}
}

// Health registers readiness checks for Postgres and Redis.
func (d *Deps) Health() *health.Checker {
	checker := health.NewChecker()
	checker.Register("postgres", health.Ping(d.Store.Ping, false))
	var redisPing func(context.Context) error
	if d.Redis != nil {
		redisPing = d.Redis.Ping
	}
	checker.Register("redis", health.Ping(redisPing, true))
	return checker
}
