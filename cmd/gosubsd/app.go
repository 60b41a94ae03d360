package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	gcpfirestore "cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gosubs/pkg/api"
	"github.com/mihaimyh/gosubs/pkg/billing"
	"github.com/mihaimyh/gosubs/pkg/billing/appstore"
	billingprom "github.com/mihaimyh/gosubs/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gosubs/pkg/billing/stripe"
	"github.com/mihaimyh/gosubs/pkg/config"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
	zerologadapter "github.com/mihaimyh/gosubs/pkg/gosubs/logger/zerolog"
	gosubsprom "github.com/mihaimyh/gosubs/pkg/gosubs/metrics/prometheus"
	amqpnotify "github.com/mihaimyh/gosubs/pkg/notify/amqp"
	"github.com/mihaimyh/gosubs/storage/firestore"
	"github.com/mihaimyh/gosubs/storage/memory"
	"github.com/mihaimyh/gosubs/storage/postgres"
	redisstore "github.com/mihaimyh/gosubs/storage/redis"
	"github.com/mihaimyh/gosubs/storage/tiered"
)

const metricsNamespace = "gosubs"

// app is the wired service: storage, engine, rails and their cleanup.
type app struct {
	cfg       *config.Config
	logger    gosubs.Logger
	storage   gosubs.Storage
	engine    *gosubs.Engine
	providers []billing.Provider
	registry  *prometheus.Registry
	checks    []func(ctx context.Context) error
	closers   []func() error
}

func newLogger(cfg config.LogConfig) (gosubs.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	var zl zerolog.Logger
	if cfg.Format == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zl = zerolog.New(os.Stderr)
	}
	return zerologadapter.NewLogger(zl.Level(level).With().Timestamp().Str("service", "gosubsd").Logger()), nil
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}

	engineCfg := gosubs.Config{
		Providers:            gosubs.NewProviderRegistry(),
		Logger:               logger,
		Metrics:              gosubsprom.NewMetrics(a.registry, metricsNamespace),
		PaymentGrace:         cfg.Engine.PaymentGrace,
		DeletionGrace:        cfg.Engine.DeletionGrace,
		PaymentGraceWarning:  cfg.Engine.PaymentGraceWarning,
		DeletionGraceWarning: cfg.Engine.DeletionGraceWarning,
		ProcessingLease:      cfg.Engine.ProcessingLease,
		Retry:                gosubs.RetryPolicy{MaxAttempts: cfg.Engine.RetryAttempts},
		Workers:              cfg.Engine.Workers,
		QueueSize:            cfg.Engine.QueueSize,
		ReconcileConcurrency: cfg.Engine.ReconcileConcurrency,
	}
	if err := a.openRedis(ctx, &engineCfg); err != nil {
		return nil, err
	}
	if err := a.openFirestore(ctx, &engineCfg); err != nil {
		return nil, err
	}
	if cfg.AMQP.URL != "" {
		n, err := amqpnotify.Dial(cfg.AMQP.URL, amqpnotify.Config{Exchange: cfg.AMQP.Exchange, Logger: logger})
		if err != nil {
			return nil, err
		}
		engineCfg.Notifier = n
		a.closers = append(a.closers, n.Close)
	}

	a.engine, err = gosubs.NewEngine(a.storage, engineCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	a.closers = append(a.closers, a.engine.Close)

	if err := a.openProviders(engineCfg.Providers); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openStorage(ctx context.Context) error {
	if a.cfg.Storage.Driver != "postgres" {
		a.logger.Warn("using in-memory storage; state is lost on restart")
		a.storage = memory.New()
		return nil
	}

	if a.cfg.Storage.AutoMigrate {
		if err := postgres.Migrate(a.cfg.Storage.PostgresDSN); err != nil {
			return err
		}
	}
	pgCfg := postgres.DefaultConfig()
	pgCfg.ConnectionString = a.cfg.Storage.PostgresDSN
	if a.cfg.Storage.MaxConns > 0 {
		pgCfg.MaxConns = a.cfg.Storage.MaxConns
	}
	if a.cfg.Storage.EventRetention > 0 {
		pgCfg.EventRetention = a.cfg.Storage.EventRetention
	}
	if a.cfg.Storage.CleanupInterval > 0 {
		pgCfg.CleanupInterval = a.cfg.Storage.CleanupInterval
	}
	store, err := postgres.New(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}
	a.storage = store
	a.checks = append(a.checks, store.Ping)
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

func (a *app) openRedis(ctx context.Context, engineCfg *gosubs.Config) error {
	if a.cfg.Redis.Addr == "" {
		engineCfg.RetryQueue = memory.NewRetryQueue()
		return nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	store, err := redisstore.New(client, redisstore.Config{
		KeyPrefix: a.cfg.Redis.KeyPrefix,
		StatusTTL: a.cfg.Redis.StatusTTL,
	})
	if err != nil {
		client.Close()
		return err
	}
	a.closers = append(a.closers, store.Close)
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	engineCfg.RetryQueue = store
	engineCfg.StatusCache = store
	if a.cfg.Redis.LocalTTL > 0 {
		cache, err := tiered.New(tiered.Config{
			Hot:             memory.NewStatusCacheWithTTL(a.cfg.Redis.LocalTTL),
			Cold:            store,
			AsyncColdWrites: true,
			AsyncErrorHandler: func(err error) {
				a.logger.Warn("status cache write failed", gosubs.F("error", err))
			},
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, cache.Close)
		engineCfg.StatusCache = cache
	}
	a.checks = append(a.checks, store.Ping)
	return nil
}

func (a *app) openFirestore(ctx context.Context, engineCfg *gosubs.Config) error {
	if a.cfg.Firestore.ProjectID == "" {
		return nil
	}
	client, err := gcpfirestore.NewClient(ctx, a.cfg.Firestore.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to create firestore client: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	identity, err := firestore.New(client, firestore.Config{UsersCollection: a.cfg.Firestore.UsersCollection})
	if err != nil {
		return err
	}
	engineCfg.Identity = identity
	return nil
}

func (a *app) openProviders(registry *gosubs.ProviderRegistry) error {
	base := billing.Config{
		Engine:    a.engine,
		RateLimit: a.cfg.Server.WebhookRateLimit,
		Metrics:   billingprom.NewMetrics(a.registry, metricsNamespace),
		Logger:    a.logger,
	}

	if a.cfg.Stripe.APIKey != "" {
		p, err := stripe.NewProvider(stripe.Config{
			Config:              base,
			StripeAPIKey:        a.cfg.Stripe.APIKey,
			StripeWebhookSecret: a.cfg.Stripe.WebhookSecret,
			UserIDResolver:      a.userByCustomer,
		})
		if err != nil {
			return fmt.Errorf("failed to configure stripe: %w", err)
		}
		a.providers = append(a.providers, p)
	}

	if a.cfg.AppStore.BundleID != "" {
		roots := make([][]byte, 0, len(a.cfg.AppStore.RootCertFiles))
		for _, path := range a.cfg.AppStore.RootCertFiles {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read apple root certificate: %w", err)
			}
			roots = append(roots, data)
		}
		var key []byte
		if a.cfg.AppStore.PrivateKeyFile != "" {
			var err error
			if key, err = os.ReadFile(a.cfg.AppStore.PrivateKeyFile); err != nil {
				return fmt.Errorf("failed to read app store api key: %w", err)
			}
		}
		p, err := appstore.NewProvider(appstore.Config{
			Config:           base,
			BundleID:         a.cfg.AppStore.BundleID,
			RootCertificates: roots,
			SharedSecret:     a.cfg.AppStore.SharedSecret,
			IssuerID:         a.cfg.AppStore.IssuerID,
			KeyID:            a.cfg.AppStore.KeyID,
			PrivateKey:       key,
			UserIDResolver:   a.userByOriginalTransaction,
		})
		if err != nil {
			return fmt.Errorf("failed to configure app store: %w", err)
		}
		a.providers = append(a.providers, p)
	}

	if len(a.providers) == 0 {
		a.logger.Warn("no payment provider configured")
	}
	for _, p := range a.providers {
		registry.Register(p)
		a.logger.Info("payment provider enabled", gosubs.F("provider", p.Name()), gosubs.F("tag", p.Tag()))
	}
	return nil
}

// userByCustomer resolves a card gateway customer through the records that already carry it.
func (a *app) userByCustomer(ctx context.Context, customerID string) (string, error) {
	subs, err := a.storage.ListSubscriptions(ctx, gosubs.SubscriptionFilter{
		Provider:    gosubs.ProviderCardGateway,
		CustomerRef: customerID,
	})
	if err != nil {
		return "", err
	}
	for _, sub := range subs {
		if sub.UserID != "" {
			return sub.UserID, nil
		}
	}
	return "", nil
}

func (a *app) userByOriginalTransaction(ctx context.Context, originalTransactionID string) (string, error) {
	sub, err := a.storage.GetSubscriptionByRef(ctx, gosubs.ProviderMobileIAP, originalTransactionID)
	if err != nil {
		return "", err
	}
	return sub.UserID, nil
}

func (a *app) healthCheck(ctx context.Context) error {
	for _, check := range a.checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// handler returns the HTTP surface plus /metrics.
func (a *app) handler() (http.Handler, error) {
	h, err := api.NewHandler(api.Config{
		Service:     a.engine,
		GetUserID:   api.FromHeader(a.cfg.Server.UserIDHeader),
		Providers:   a.providers,
		HealthCheck: a.healthCheck,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, err
	}
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Mount("/", h.Router())
	return r, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
