package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/meridianhq/relay/amqppub"
	"github.com/meridianhq/relay/dispatch"
	"github.com/meridianhq/relay/internal/config"
	"github.com/meridianhq/relay/internal/metrics"
	"github.com/meridianhq/relay/internal/pkg/logger"
	"github.com/meridianhq/relay/internal/security"
	"github.com/meridianhq/relay/internal/transport/rest"
	"github.com/meridianhq/relay/joinwait"
	"github.com/meridianhq/relay/msg"
	"github.com/meridianhq/relay/postgres"
	"github.com/meridianhq/relay/redislease"
	"github.com/meridianhq/relay/router"
)

type tickFunc func(ctx context.Context) error

func (f tickFunc) Tick(ctx context.Context) error { return f(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "relayd").
		Str("env", cfg.AppEnv).
		Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres stores ----
	rt := router.New()
	leases := dispatch.LeaseRouter{}
	var (
		outboxStores []dispatch.Store
		inboxStores  []dispatch.Store
		outboxes     []*postgres.Outbox
		inboxes      []*postgres.Inbox
		globalStore  dispatch.Store
	)

	// ---- Redis lease factory (optional) ----
	var redisFactory msg.LeaseFactory
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = client.Close() }()

		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Fatal().Err(err).Msg("redis ping failed")
		}
		cancel()
		log.Info().Msg("redis connected")
		redisFactory = redislease.New(client)
	}

	for _, spec := range cfg.Stores {
		pool, err := pgxpool.New(rootCtx, spec.DSN)
		if err != nil {
			log.Fatal().Err(err).Str("store", spec.Name).Msg("postgres pool create failed")
		}
		defer pool.Close()

		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		if err := pool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Str("store", spec.Name).Msg("postgres ping failed")
		}
		cancel()

		if err := postgres.ApplyMigrations(rootCtx, pool); err != nil {
			log.Fatal().Err(err).Str("store", spec.Name).Msg("migrations failed")
		}
		log.Info().Str("store", spec.Name).Msg("postgres connected")

		outbox := postgres.NewOutbox(pool, spec.Name)
		inbox := postgres.NewInbox(pool, spec.Name)
		if err := rt.Register(spec.Name, router.Binding{Outbox: outbox, Inbox: inbox}); err != nil {
			log.Fatal().Err(err).Msg("store registration failed")
		}

		outboxes = append(outboxes, outbox)
		inboxes = append(inboxes, inbox)
		outboxStores = append(outboxStores, outbox)
		inboxStores = append(inboxStores, inbox)

		if redisFactory != nil {
			leases[spec.Name] = redisFactory
		} else {
			leases[spec.Name] = postgres.NewLeaseFactory(pool)
		}

		if spec.Name == cfg.GlobalStore {
			globalStore = outbox
		}
	}

	// ---- Handlers ----
	registry := dispatch.NewRegistry()
	registry.MustRegister(joinwait.New(func(storeID string) (joinwait.Binding, error) {
		b, err := rt.Get(storeID)
		if err != nil {
			return joinwait.Binding{}, err
		}
		return joinwait.Binding{
			Joins: b.Outbox.Joins(),
			Enqueue: func(ctx context.Context, topic string, payload []byte) error {
				_, _, err := b.Outbox.Enqueue(ctx, topic, payload, nil)
				return err
			},
		}, nil
	}))

	if cfg.RabbitURL != "" {
		pub, err := amqppub.NewPublisher(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			log.Fatal().Err(err).Msg("rabbitmq connect failed")
		}
		defer func() { _ = pub.Close() }()
		log.Info().Str("exchange", cfg.RabbitExchange).Msg("rabbitmq connected")

		for _, topic := range cfg.ForwardTopics {
			registry.MustRegister(pub.Handler(topic))
		}
	}

	dispatcher := dispatch.NewDispatcher(registry, dispatch.Config{
		BatchSize:   cfg.BatchSize,
		ClaimLease:  cfg.ClaimLease,
		MaxAttempts: cfg.MaxAttempts,
	})

	newStrategy := func() dispatch.SelectionStrategy {
		if cfg.Strategy == "drain_first" {
			return dispatch.NewDrainFirst()
		}
		return dispatch.NewRoundRobin()
	}

	// ---- Polling loops ----
	outboxCoord := dispatch.NewCoordinator(
		dispatch.StaticStores(outboxStores), newStrategy(), dispatcher,
		dispatch.CoordinatorConfig{
			Resource:      dispatch.ResourceOutbox,
			LeaseDuration: cfg.LeaseDuration,
			Leases:        leases,
		})
	inboxCoord := dispatch.NewCoordinator(
		dispatch.StaticStores(inboxStores), newStrategy(), dispatcher,
		dispatch.CoordinatorConfig{
			Resource:      dispatch.ResourceInbox,
			LeaseDuration: cfg.LeaseDuration,
			Leases:        leases,
		})

	pollers := []*dispatch.Poller{
		dispatch.NewPoller(outboxCoord, dispatch.PollerConfig{Name: "outbox", Interval: cfg.PollInterval}),
		dispatch.NewPoller(inboxCoord, dispatch.PollerConfig{Name: "inbox", Interval: cfg.PollInterval}),
	}

	if globalStore != nil {
		globalCoord := dispatch.NewGlobalCoordinator(globalStore, dispatcher, leases[cfg.GlobalStore], cfg.LeaseDuration)
		pollers = append(pollers, dispatch.NewPoller(globalCoord, dispatch.PollerConfig{
			Name:     "outbox-global",
			Interval: cfg.PollInterval,
		}))
	}

	// Reaper: expired claims back to ready.
	pollers = append(pollers, dispatch.NewPoller(tickFunc(func(ctx context.Context) error {
		for _, o := range outboxes {
			n, err := o.ReapExpired(ctx)
			if err != nil {
				return err
			}
			metrics.RecordReaped(o.Identifier(), n)
		}
		for _, i := range inboxes {
			n, err := i.ReapExpired(ctx)
			if err != nil {
				return err
			}
			metrics.RecordReaped(i.Identifier(), n)
		}
		return nil
	}), dispatch.PollerConfig{Name: "reaper", Interval: cfg.ReapInterval}))

	// Cleanup: terminal rows past retention.
	pollers = append(pollers, dispatch.NewPoller(tickFunc(func(ctx context.Context) error {
		for _, o := range outboxes {
			if _, err := o.Cleanup(ctx, cfg.CleanupMaxAge); err != nil {
				return err
			}
		}
		for _, i := range inboxes {
			if _, err := i.Cleanup(ctx, cfg.CleanupMaxAge); err != nil {
				return err
			}
		}
		return nil
	}), dispatch.PollerConfig{Name: "cleanup", Interval: cfg.CleanupInterval}))

	for _, p := range pollers {
		go func(p *dispatch.Poller) { _ = p.Run(rootCtx) }(p)
	}

	// ---- Admin API ----
	verifier := security.NewHS256Verifier(cfg.JWTSecret, cfg.JWTIssuer)
	httpHandler := rest.NewRouter(rest.RouterDeps{
		Handler:  rest.NewHandler(rt),
		Verifier: verifier,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	log.Info().Msg("bye")
}
