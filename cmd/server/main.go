// Package main runs the live feed service:
// - brokerage feeds per link (registry, adapters, tick fan-out)
// - candle aggregation, confluence signals and intents
// - startup recovery, expiry sweep, HTTP API and tick relay
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mtf-feed/internal/api"
	"mtf-feed/internal/broker"
	"mtf-feed/internal/broker/stub"
	"mtf-feed/internal/config"
	"mtf-feed/internal/domain"
	"mtf-feed/internal/eventlog"
	"mtf-feed/internal/live"
	"mtf-feed/internal/logging"
	"mtf-feed/internal/metrics"
	"mtf-feed/internal/recovery"
	"mtf-feed/internal/storage"
	chstore "mtf-feed/internal/storage/clickhouse"
	"mtf-feed/internal/storage/memory"
	"mtf-feed/internal/storage/migrations"
	pgstore "mtf-feed/internal/storage/postgres"
)

// demoLink owns the demo watchlist in --use-memory mode.
var demoLink = domain.LinkID{UserID: 1, BrokerLinkID: 1}

// allStores holds all storage implementations.
type allStores struct {
	candles    storage.CandleStore
	events     storage.EventStore
	configs    storage.ConfigStore
	sessions   storage.SessionStore
	watchlists storage.WatchlistStore
	signals    storage.SignalStore
	trades     storage.TradeStore
}

func main() {
	// Load .env file if exists
	if err := config.LoadEnvFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	settings, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(settings.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())

	// Channel to signal completion
	done := make(chan struct{})

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Warn().Str("signal", sig.String()).Msg("second signal, forcing immediate shutdown")
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Error().Msg("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, settings, logger)
	close(done)
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("server error")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, s *config.Settings, logger zerolog.Logger) error {
	if s.PyroscopeAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "mtf-feed",
			ServerAddress:   s.PyroscopeAddr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return fmt.Errorf("start pyroscope: %w", err)
		}
		defer profiler.Stop()
	}

	stores, cleanup, err := createStores(ctx, s.PostgresDSN, s.ClickHouseDSN, s.UseMemory)
	if err != nil {
		return fmt.Errorf("create stores: %w", err)
	}
	defer cleanup()

	// Event log. A broken sequence stops the process.
	events := eventlog.New(eventlog.Options{
		Store:  stores.events,
		Logger: logging.Component(logger, "eventlog"),
		OnFatal: func(err error) {
			logger.Error().Err(err).Msg("event sequence corrupted, exiting")
			os.Exit(3)
		},
	})
	if err := events.Prime(ctx); err != nil {
		return fmt.Errorf("prime event log: %w", err)
	}

	// MTF configuration
	var seed *domain.MTFConfig
	if s.MTFSeedPath != "" {
		cfg, err := config.LoadMTFYAML(s.MTFSeedPath)
		if err != nil {
			return err
		}
		seed = &cfg
	}
	cfgService := config.NewService(config.ServiceOptions{
		Store:  stores.configs,
		Events: events,
		Logger: logging.Component(logger, "config"),
	})
	if err := cfgService.Load(ctx, seed); err != nil {
		return fmt.Errorf("load MTF config: %w", err)
	}

	relay := eventlog.NewRelay(eventlog.RelayOptions{
		Token:  s.RelayToken,
		Logger: logging.Component(logger, "relay"),
	})
	defer relay.Close()

	manager := live.NewManager(live.Options{
		Config:  cfgService,
		Candles: stores.candles,
		Signals: stores.signals,
		Trades:  stores.trades,
		Events:  events,
		Relay:   relay,
		Logger:  logging.Component(logger, "live"),
	})
	defer manager.Close()

	registry := broker.NewRegistry(broker.RegistryOptions{
		Sessions:       stores.sessions,
		Logger:         logging.Component(logger, "registry"),
		OnStatusChange: manager.FeedStatusChanged,
	})
	defer registry.Close()

	if s.UseMemory {
		registry.Register(stub.ProviderCode, stub.Factory(func(a *stub.Adapter) {
			a.SetSynthetic(true)
			go stub.NewGenerator(a, s.DemoTickInterval, time.Now().UnixNano()).Run(ctx)
		}))
		if err := seedDemo(ctx, stores, s.DemoSymbols); err != nil {
			return err
		}
	} else {
		ws := broker.DefaultWSConfig()
		ws.BaseURL = s.BrokerBaseURL
		ws.StreamURL = s.BrokerStreamURL
		ws.QueueSize = s.QueueSize
		// Retries are owned by the recovery orchestrator.
		ws.HistoryOptions = []broker.HistoryOption{
			broker.WithHistoryTimeout(s.FetchTimeout),
			broker.WithHistoryRetries(0),
		}
		registry.Register(broker.ProviderWS, broker.WSFactory(ws))
	}

	orch := recovery.New(recovery.Options{
		Registry:     registry,
		Pipeline:     manager,
		Watchlists:   stores.watchlists,
		Candles:      stores.candles,
		Config:       cfgService,
		Events:       events,
		Logger:       logging.Component(logger, "recovery"),
		Concurrency:  s.RecoveryConcurrency,
		FetchTimeout: s.FetchTimeout,
		Retries:      s.FetchRetries,
		Lookback:     s.RecoveryLookback,
	})

	apiServer := api.NewServer(api.Options{
		Events:   events,
		Feeds:    registry,
		Config:   cfgService,
		Recovery: orch,
		Sessions: stores.sessions,
		Stats:    metrics.NewAggregator(stores.trades),
		Live:     manager,
		Relay:    relay,
		Logger:   logging.Component(logger, "api"),
	})
	httpServer := &http.Server{
		Addr:              s.HTTPAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", s.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return manager.RunExpirySweep(gctx, s.ExpirySweepInterval)
	})

	g.Go(func() error {
		recoverAll(gctx, stores.sessions, orch, logger)
		return nil
	})

	return g.Wait()
}

// recoverAll runs the startup recovery of every link with a stored session.
// A failing link is logged and does not affect the others.
func recoverAll(ctx context.Context, sessions storage.SessionStore, orch *recovery.Orchestrator, logger zerolog.Logger) {
	list, err := sessions.List(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("list sessions for startup recovery")
		return
	}

	var g errgroup.Group
	for _, sess := range list {
		g.Go(func() error {
			report, err := orch.Recover(ctx, sess.Link, sess.ProviderCode, recovery.TriggerStartup)
			if err != nil {
				logger.Warn().Err(err).Str("link", sess.Link.String()).Msg("startup recovery failed")
				return nil
			}
			logger.Info().
				Str("link", sess.Link.String()).
				Str("status", report.Status()).
				Int("backfilled", report.Backfilled()).
				Msg("startup recovery done")
			return nil
		})
	}
	g.Wait()
}

// seedDemo stores a session and watchlist for the demo link.
func seedDemo(ctx context.Context, stores *allStores, symbols []string) error {
	err := stores.sessions.Put(ctx, &domain.Session{
		Link:         demoLink,
		ProviderCode: stub.ProviderCode,
		AccessToken:  "demo",
		SessionID:    "demo",
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("seed demo session: %w", err)
	}
	for _, sym := range symbols {
		if err := stores.watchlists.Put(ctx, &domain.WatchlistEntry{Link: demoLink, Symbol: sym, Enabled: true}); err != nil {
			return fmt.Errorf("seed demo watchlist: %w", err)
		}
	}
	return nil
}

// createStores creates all required stores.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool) (*allStores, func(), error) {
	if useMemory {
		stores := &allStores{
			candles:    memory.NewCandleStore(),
			events:     memory.NewEventStore(),
			configs:    memory.NewConfigStore(),
			sessions:   memory.NewSessionStore(),
			watchlists: memory.NewWatchlistStore(),
			signals:    memory.NewSignalStore(),
			trades:     memory.NewTradeStore(),
		}
		return stores, func() {}, nil
	}

	// PostgreSQL
	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	// ClickHouse
	chConn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	stores := &allStores{
		// PostgreSQL stores (events, config, sessions, signals, trades)
		events:     pgstore.NewEventStore(pool),
		configs:    pgstore.NewConfigStore(pool),
		sessions:   pgstore.NewSessionStore(pool),
		watchlists: pgstore.NewWatchlistStore(pool),
		signals:    pgstore.NewSignalStore(pool),
		trades:     pgstore.NewTradeStore(pool),

		// ClickHouse stores (candle history)
		candles: chstore.NewCandleStore(chConn),
	}

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}

	return stores, cleanup, nil
}
