package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	artifacthandler "veritas/internal/artifact/handler"
	artifactservice "veritas/internal/artifact/service"
	artifactstore "veritas/internal/artifact/store"
	"veritas/internal/envelope"
	"veritas/internal/platform/config"
	"veritas/internal/platform/kafka"
	"veritas/internal/platform/metrics"
	"veritas/internal/platform/postgres"
	"veritas/internal/platform/redis"
	portalhandler "veritas/internal/portal/handler"
	portalservice "veritas/internal/portal/service"
	portalstore "veritas/internal/portal/store"
	provenancehandler "veritas/internal/provenance/handler"
	provenanceservice "veritas/internal/provenance/service"
	provenancestore "veritas/internal/provenance/store"
	ratelimit "veritas/internal/ratelimit/middleware"
	ratelimitmodels "veritas/internal/ratelimit/models"
	"veritas/internal/ratelimit/store/bucket"
	httptransport "veritas/internal/transport/http"
	"veritas/pkg/platform/audit"
	"veritas/pkg/platform/audit/outbox"
	"veritas/pkg/platform/audit/publisher"
	auditmemory "veritas/pkg/platform/audit/store/memory"
	auditpostgres "veritas/pkg/platform/audit/store/postgres"
	"veritas/pkg/platform/circuit"
)

const devKeyBits = 2048

type application struct {
	router  http.Handler
	workers []func(context.Context) error
	closers []func()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (app *application, err error) {
	app = &application{}
	defer func() {
		if err != nil {
			app.close()
		}
	}()
	m := metrics.New()
	health := map[string]httptransport.HealthCheck{}

	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() { _ = db.Close() })
		if err = postgres.Migrate(ctx, db); err != nil {
			return nil, err
		}
		health["postgres"] = db.PingContext
	}

	var rdb *redis.Client
	if cfg.Portal.TokenBackend == config.BackendRedis || (cfg.RateLimit.Enabled && cfg.RateLimit.Backend == config.BackendRedis) {
		rdb, err = redis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() { _ = rdb.Close() })
		health["redis"] = rdb.Health
	}

	auditPublisher, err := buildAudit(ctx, cfg, db, log, m, app)
	if err != nil {
		return nil, err
	}

	keys, err := loadKeys(cfg, log)
	if err != nil {
		return nil, err
	}
	sealer := envelope.New(keys, cfg.Envelope.Issuer,
		envelope.WithTTL(cfg.Envelope.TTL),
		envelope.WithTrustedIssuer(cfg.Envelope.TrustedIssuer),
		envelope.WithLogger(log),
		envelope.WithMetrics(m),
	)

	var (
		artifactStore   artifactservice.Store
		provenanceStore provenanceservice.Store
	)
	if db != nil {
		artifactStore = artifactstore.NewPostgres(db)
		provenanceStore = provenancestore.NewPostgres(db)
	} else {
		artifactStore = artifactstore.NewInMemory()
		provenanceStore = provenancestore.NewInMemory()
	}

	var tokenStore portalservice.Store
	switch cfg.Portal.TokenBackend {
	case config.BackendPostgres:
		tokenStore = portalstore.NewPostgres(db)
	case config.BackendRedis:
		tokenStore = portalstore.NewRedis(rdb.Client, portalstore.WithGrace(cfg.Portal.RedisGrace))
	default:
		tokenStore = portalstore.NewInMemory()
	}

	artifacts := artifactservice.New(artifactStore, sealer,
		artifactservice.WithLogger(log),
		artifactservice.WithMetrics(m),
		artifactservice.WithAuditPublisher(auditPublisher),
	)
	provenance := provenanceservice.New(provenanceStore,
		provenanceservice.WithLogger(log),
		provenanceservice.WithMetrics(m),
		provenanceservice.WithAuditPublisher(auditPublisher),
	)
	portal := portalservice.New(tokenStore, portalservice.NewRegistryFacts(artifacts, provenance),
		portalservice.WithLogger(log),
		portalservice.WithMetrics(m),
		portalservice.WithAuditPublisher(auditPublisher),
	)

	if cfg.Portal.CleanupInterval > 0 {
		cleaner := portalservice.NewCleanupWorker(portal, cfg.Portal.CleanupInterval, log)
		app.workers = append(app.workers, cleaner.Run)
	}

	limiter := buildRateLimiter(cfg, rdb, log, m, app)

	app.router = httptransport.NewRouter(httptransport.RouterConfig{
		Logger:       log,
		AdminToken:   cfg.Server.AdminToken,
		Metrics:      promhttp.Handler(),
		HealthChecks: health,
	},
		artifacthandler.New(artifacts, log,
			artifacthandler.WithPublicMiddleware(limiter.RateLimit(ratelimitmodels.ClassVerify)),
		),
		provenancehandler.New(provenance, log),
		portalhandler.New(portal, log,
			portalhandler.WithDefaultTTLHours(cfg.Portal.DefaultTTLHours),
			portalhandler.WithCollapsedReasons(cfg.Server.CollapseReasons()),
			portalhandler.WithPublicMiddleware(limiter.RateLimit(ratelimitmodels.ClassRedeem)),
		),
	)
	return app, nil
}

// buildAudit selects the audit store. With a database, events go to the
// outbox table and, when brokers are configured, a relay forwards them to
// Kafka.
func buildAudit(ctx context.Context, cfg config.Config, db *sql.DB, log *slog.Logger, m *metrics.Metrics, app *application) (*publisher.Publisher, error) {
	var store audit.Store = auditmemory.NewInMemoryStore()
	if db != nil {
		store = auditpostgres.New(db)
	}
	pub := publisher.NewPublisher(store,
		publisher.WithAsyncBuffer(cfg.Audit.AsyncBuffer),
		publisher.WithLogger(log),
	)
	app.closers = append(app.closers, pub.Close)

	if db == nil || len(cfg.Kafka.Brokers) == 0 {
		return pub, nil
	}
	producer, err := kafka.NewProducer(ctx, kafka.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
	})
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, producer.Close)

	relay := outbox.NewRelay(db, producer,
		outbox.WithInterval(cfg.Kafka.RelayInterval),
		outbox.WithLogger(log),
		outbox.WithRecorder(m),
		outbox.WithBreaker(circuit.New("kafka-relay")),
	)
	app.workers = append(app.workers, relay.Run)
	return pub, nil
}

// buildRateLimiter limits the public endpoints per client IP. Redis shares
// windows across instances; memory keeps them per process.
func buildRateLimiter(cfg config.Config, rdb *redis.Client, log *slog.Logger, m *metrics.Metrics, app *application) *ratelimit.Middleware {
	var store ratelimit.BucketStore
	if cfg.RateLimit.Backend == config.BackendRedis && rdb != nil {
		store = bucket.NewRedisBucketStore(rdb.Client)
	} else {
		mem := bucket.NewInMemoryBucketStore()
		if cfg.RateLimit.Enabled {
			app.workers = append(app.workers, func(ctx context.Context) error {
				return mem.PruneEvery(ctx, time.Minute)
			})
		}
		store = mem
	}
	return ratelimit.New(store, log,
		ratelimit.WithDisabled(!cfg.RateLimit.Enabled),
		ratelimit.WithRecorder(m),
		ratelimit.WithRule(ratelimitmodels.ClassRedeem, ratelimitmodels.Rule{Limit: cfg.RateLimit.RedeemPerMinute, Window: time.Minute}),
		ratelimit.WithRule(ratelimitmodels.ClassVerify, ratelimitmodels.Rule{Limit: cfg.RateLimit.VerifyPerMinute, Window: time.Minute}),
	)
}

// loadKeys reads the configured key pair. Without key paths an ephemeral
// pair is generated, which regulated mode refuses.
func loadKeys(cfg config.Config, log *slog.Logger) (*envelope.Keys, error) {
	if cfg.Envelope.PrivateKeyPath != "" || cfg.Envelope.PublicKeyPath != "" {
		return envelope.LoadKeys(envelope.KeyConfig{
			PrivateKeyPath: cfg.Envelope.PrivateKeyPath,
			PublicKeyPath:  cfg.Envelope.PublicKeyPath,
		})
	}
	if cfg.Server.RegulatedMode {
		return nil, errors.New("regulated mode requires envelope key paths")
	}
	log.Warn("no envelope keys configured; generating an ephemeral signing key")
	return envelope.GenerateKeys(devKeyBits)
}
