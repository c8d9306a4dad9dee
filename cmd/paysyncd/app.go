package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/paysync/internal/config"
	"github.com/mihaimyh/paysync/pkg/api"
	"github.com/mihaimyh/paysync/pkg/billing"
	billingprom "github.com/mihaimyh/paysync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/paysync/pkg/billing/paddle"
	"github.com/mihaimyh/paysync/pkg/billing/revenuecat"
	"github.com/mihaimyh/paysync/pkg/billing/signature"
	"github.com/mihaimyh/paysync/pkg/paysync"
	zerologadapter "github.com/mihaimyh/paysync/pkg/paysync/logger/zerolog"
	paysyncprom "github.com/mihaimyh/paysync/pkg/paysync/metrics/prometheus"
	"github.com/mihaimyh/paysync/storage/memory"
	"github.com/mihaimyh/paysync/storage/postgres"
	redisstore "github.com/mihaimyh/paysync/storage/redis"
)

const (
	metricsNamespace  = "paysync"
	readHeaderTimeout = 10 * time.Second
)

// app owns every long-lived component of the daemon
type app struct {
	cfg    config.Config
	logger paysync.Logger

	registry  *prometheus.Registry
	storage   paysync.Storage
	pinger    func(context.Context) error
	processor *paysync.Processor
	receiver  *billing.Receiver
	providers []billing.Provider
	sweeper   *paysync.Sweeper

	// exactly one of pool and queue is set
	pool  *paysync.WorkerPool
	queue *redisstore.Queue
	redis *goredis.Client

	closers   []func()
	closeOnce sync.Once
}

func newApp(ctx context.Context, cfg config.Config, zlog zerolog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   zerologadapter.NewLogger(zlog),
		registry: prometheus.NewRegistry(),
	}
	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	procMetrics := paysyncprom.NewMetrics(a.registry, metricsNamespace)
	hookMetrics := billingprom.NewMetrics(a.registry, metricsNamespace)

	store, err := a.openStorage(ctx)
	if err != nil {
		return err
	}
	cb := paysync.NewDefaultCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerReset,
		procMetrics.RecordCircuitBreakerStateChange)
	a.storage = paysync.NewCircuitBreakerStorage(store, cb)

	var locker paysync.KeyLocker
	if cfg.RedisAddr != "" {
		a.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = a.redis.Close() })
		if err := redisstore.Ping(ctx, a.redis); err != nil {
			return err
		}

		rcfg := redisstore.DefaultConfig()
		rcfg.Logger = a.logger
		rcfg.Metrics = procMetrics
		if locker, err = redisstore.NewLocker(a.redis, rcfg); err != nil {
			return err
		}
		if a.queue, err = redisstore.NewQueue(a.redis, rcfg); err != nil {
			return err
		}
	}

	// the receiver is built before the dispatcher exists
	a.receiver, err = billing.NewReceiver(billing.ReceiverConfig{
		Ledger: a.storage,
		Dispatcher: paysync.DispatcherFunc(func(ctx context.Context, key paysync.EventKey) error {
			return a.dispatcher().Dispatch(ctx, key)
		}),
		Logger:  a.logger,
		Metrics: hookMetrics,
	})
	if err != nil {
		return err
	}
	if err := a.openProviders(hookMetrics); err != nil {
		return err
	}

	a.processor, err = paysync.NewProcessor(paysync.ProcessorConfig{
		Storage:            a.storage,
		Decoders:           billing.Decoders(a.providers...),
		Locker:             locker,
		Notifier:           logNotifier(a.logger),
		BillingIssuePolicy: paysync.BillingIssuePolicy(cfg.BillingIssuePolicy),
		MaxAttempts:        cfg.MaxAttempts,
		Logger:             a.logger,
		Metrics:            procMetrics,
	})
	if err != nil {
		return err
	}

	if a.queue == nil {
		a.pool = paysync.NewWorkerPool(a.processor, paysync.WorkerPoolConfig{
			Workers:   cfg.Workers,
			QueueSize: cfg.QueueSize,
			Logger:    a.logger,
			Metrics:   procMetrics,
		})
	}

	a.sweeper = paysync.NewSweeper(a.storage, a.processor, paysync.SweeperConfig{
		Interval:  cfg.SweepInterval,
		Threshold: cfg.SweepThreshold,
		Logger:    a.logger,
		Metrics:   procMetrics,
	})
	return nil
}

func (a *app) openStorage(ctx context.Context) (paysync.Storage, error) {
	if a.cfg.DatabaseURL == "" {
		a.logger.Warn("DATABASE_URL not set, using in-memory storage")
		a.pinger = func(context.Context) error { return nil }
		return memory.New(), nil
	}

	pcfg := postgres.DefaultConfig()
	pcfg.ConnectionString = a.cfg.DatabaseURL
	pcfg.UsersTable = a.cfg.UsersTable
	pcfg.RunMigrations = a.cfg.RunMigrations
	store, err := postgres.New(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	a.pinger = store.Ping
	return store, nil
}

func (a *app) openProviders(metrics billing.Metrics) error {
	base := billing.Config{
		Receiver:           a.receiver,
		EntitlementMapping: a.cfg.EntitlementMapping,
		DefaultEntitlement: a.cfg.DefaultEntitlement,
		ReplayWindow:       a.cfg.ReplayWindow,
		RateLimit: billing.RateLimitConfig{
			Requests: a.cfg.RateLimitRequests,
			Window:   a.cfg.RateLimitWindow,
		},
		Metrics: metrics,
	}

	if a.cfg.RevenueCatAuthToken != "" {
		pc := base
		pc.WebhookSecret = a.cfg.RevenueCatAuthToken
		p, err := revenuecat.NewProvider(pc)
		if err != nil {
			return fmt.Errorf("revenuecat: %w", err)
		}
		a.providers = append(a.providers, p)
	}
	if a.cfg.PaddleWebhookSecret != "" {
		pc := base
		pc.WebhookSecret = a.cfg.PaddleWebhookSecret
		p, err := paddle.NewProvider(pc)
		if err != nil {
			return fmt.Errorf("paddle: %w", err)
		}
		a.providers = append(a.providers, p)
	}
	return nil
}

func (a *app) dispatcher() paysync.Dispatcher {
	if a.queue != nil {
		return a.queue
	}
	return a.pool
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	for _, p := range a.providers {
		r.Method(http.MethodPost, "/webhooks/"+p.Name(), p.WebhookHandler())
	}

	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.pinger(r.Context()); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if a.cfg.AdminToken != "" {
		h, err := api.NewHandler(api.Config{
			Reader:     a.storage,
			Ledger:     a.storage,
			Dispatcher: a.dispatcher(),
			Logger:     a.logger,
		})
		if err != nil {
			// Reader and Ledger are always set
			panic(err)
		}
		r.Route("/api/v1", func(r chi.Router) {
			r.Use(adminAuth(a.cfg.AdminToken))
			h.Mount(r)
		})
	}
	return r
}

// run serves until ctx is done, then drains in-flight work
func (a *app) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.pool != nil {
		// workers outlive gctx so queued keys drain after the server stops
		a.pool.Start(context.WithoutCancel(gctx))
	} else {
		recovered, err := a.queue.Recover(gctx)
		if err != nil {
			return fmt.Errorf("failed to recover redis queue: %w", err)
		}
		if recovered > 0 {
			a.logger.Info("recovered in-flight queue entries", paysync.Field{Key: "count", Value: recovered})
		}
		for i := 0; i < a.cfg.Workers; i++ {
			g.Go(func() error { return a.queue.Consume(gctx, a.processor) })
		}
	}

	g.Go(func() error { return a.sweeper.Run(gctx) })

	g.Go(func() error {
		a.logger.Info("paysyncd listening", paysync.Field{Key: "addr", Value: a.cfg.HTTPAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		a.receiver.Wait()
		if a.pool != nil {
			a.pool.Stop()
		}
		return err
	})

	return g.Wait()
}

func (a *app) close() {
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			a.closers[i]()
		}
	})
}

// adminAuth requires "Authorization: Bearer <token>" on admin routes
func adminAuth(token string) func(http.Handler) http.Handler {
	secret := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := signature.VerifyBearer(r.Header.Get("Authorization"), secret); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="paysync"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// logNotifier surfaces billing issues and failed events in the log
func logNotifier(logger paysync.Logger) paysync.Notifier {
	return paysync.NotifierFunc(func(_ context.Context, n paysync.Notification) error {
		fields := []paysync.Field{
			{Key: "kind", Value: string(n.Kind)},
			{Key: "source", Value: string(n.Key.Source)},
			{Key: "event_id", Value: n.Key.ExternalID},
			{Key: "user_id", Value: n.UserID},
		}
		switch n.Kind {
		case paysync.NotifyEventFailed:
			logger.Error("webhook event failed", append(fields, paysync.Field{Key: "reason", Value: n.Reason})...)
		case paysync.NotifyBillingIssue:
			logger.Warn("billing issue", append(fields, paysync.Field{Key: "entitlement_id", Value: n.EntitlementID})...)
		default:
			logger.Debug("entitlement changed", append(fields, paysync.Field{Key: "entitlement_id", Value: n.EntitlementID})...)
		}
		return nil
	})
}
