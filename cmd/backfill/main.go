// Package main backfills candle history of one link for a time range and
// optionally exports it to parquet files.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mtf-feed/internal/broker"
	"mtf-feed/internal/broker/stub"
	"mtf-feed/internal/config"
	"mtf-feed/internal/domain"
	"mtf-feed/internal/export"
	"mtf-feed/internal/logging"
	"mtf-feed/internal/recovery"
	"mtf-feed/internal/storage"
	chstore "mtf-feed/internal/storage/clickhouse"
	"mtf-feed/internal/storage/memory"
	"mtf-feed/internal/storage/migrations"
	pgstore "mtf-feed/internal/storage/postgres"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Parse flags (env vars as defaults)
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage and the synthetic stub broker")
	brokerBaseURL := flag.String("broker-base-url", os.Getenv("BROKER_BASE_URL"), "Brokerage HTTP API root")
	brokerStreamURL := flag.String("broker-stream-url", os.Getenv("BROKER_STREAM_URL"), "Brokerage tick stream WebSocket URL")
	userID := flag.Int64("user-id", 0, "User id of the link")
	brokerLinkID := flag.Int64("broker-link-id", 0, "Broker link id of the link")
	provider := flag.String("provider", "", "Provider code (default: from the stored session)")
	symbols := flag.String("symbols", "", "Comma-separated symbols (default: the link's watchlist)")
	fromTime := flag.String("from-time", "", "Range start (RFC3339, default: 24h before --to-time)")
	toTime := flag.String("to-time", "", "Range end (RFC3339, default: now)")
	parquetOut := flag.String("parquet-out", "", "Directory to export the range as parquet files (empty disables)")
	concurrency := flag.Int("concurrency", 4, "Symbols fetched in parallel")
	fetchTimeout := flag.Duration("fetch-timeout", 20*time.Second, "Timeout of one history fetch")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	logger := logging.New(*logLevel)

	link := domain.LinkID{UserID: *userID, BrokerLinkID: *brokerLinkID}
	if link.UserID <= 0 || link.BrokerLinkID <= 0 {
		logger.Fatal().Msg("--user-id and --broker-link-id are required")
	}
	if !*useMemory && (*postgresDSN == "" || *clickhouseDSN == "") {
		logger.Fatal().Msg("--postgres-dsn and --clickhouse-dsn are required (use --use-memory for in-memory storage)")
	}

	to := time.Now().UTC()
	if *toTime != "" {
		t, err := time.Parse(time.RFC3339, *toTime)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid --to-time")
		}
		to = t.UTC()
	}
	from := to.Add(-24 * time.Hour)
	if *fromTime != "" {
		t, err := time.Parse(time.RFC3339, *fromTime)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid --from-time")
		}
		from = t.UTC()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory)
	if err != nil {
		logger.Fatal().Err(err).Msg("create stores")
	}
	defer cleanup()

	cfgService := config.NewService(config.ServiceOptions{
		Store:  stores.configs,
		Logger: logging.Component(logger, "config"),
	})
	if err := cfgService.Load(ctx, nil); err != nil {
		logger.Fatal().Err(err).Msg("load MTF config")
	}

	registry := broker.NewRegistry(broker.RegistryOptions{
		Sessions: stores.sessions,
		Logger:   logging.Component(logger, "registry"),
	})
	defer registry.Close()

	if *useMemory {
		registry.Register(stub.ProviderCode, stub.Factory(func(a *stub.Adapter) { a.SetSynthetic(true) }))
		err := stores.sessions.Put(ctx, &domain.Session{Link: link, ProviderCode: stub.ProviderCode, AccessToken: "demo", UpdatedAt: time.Now().UTC()})
		if err != nil {
			logger.Fatal().Err(err).Msg("seed session")
		}
	} else {
		ws := broker.DefaultWSConfig()
		ws.BaseURL = *brokerBaseURL
		ws.StreamURL = *brokerStreamURL
		ws.HistoryOptions = []broker.HistoryOption{broker.WithHistoryTimeout(*fetchTimeout), broker.WithHistoryRetries(0)}
		registry.Register(broker.ProviderWS, broker.WSFactory(ws))
	}

	orch := recovery.New(recovery.Options{
		Registry:     registry,
		Watchlists:   stores.watchlists,
		Candles:      stores.candles,
		Config:       cfgService,
		Logger:       logging.Component(logger, "backfill"),
		Concurrency:  *concurrency,
		FetchTimeout: *fetchTimeout,
	})

	report, err := orch.BackfillRange(ctx, link, *provider, splitList(*symbols), from, to)
	if err != nil {
		logger.Fatal().Err(err).Msg("backfill")
	}
	for _, s := range report.Symbols {
		ev := logger.Info()
		if !s.Success {
			ev = logger.Warn().Str("error", s.Message)
		}
		ev.Str("symbol", s.Symbol).Int("candles", s.CandlesBackfilled).Msg("symbol backfilled")
	}

	if *parquetOut != "" {
		if err := exportRange(ctx, export.NewExporter(stores.candles, *parquetOut), cfgService, link, report, from, to, logger); err != nil {
			logger.Fatal().Err(err).Msg("export parquet")
		}
	}

	fmt.Printf("Backfill %s: %d candles, %d symbols failed\n", report.Status(), report.Backfilled(), len(report.Failed()))
	if report.Status() != "ok" {
		os.Exit(1)
	}
}

// exportRange writes one parquet file per successful symbol and timeframe.
func exportRange(ctx context.Context, e *export.Exporter, cfg *config.Service, link domain.LinkID, report *recovery.Report, from, to time.Time, logger zerolog.Logger) error {
	for _, s := range report.Symbols {
		if !s.Success {
			continue
		}
		resolved := cfg.Resolve(s.Symbol, &link)
		for _, tf := range domain.AllTimeframes {
			width := resolved.Timeframe(tf).WidthMinutes
			path, n, err := e.Export(ctx, s.Symbol, width, domain.BucketStart(from, width), to)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info().Str("path", path).Int("rows", n).Msg("parquet written")
			}
		}
	}
	return nil
}

type backfillStores struct {
	candles    storage.CandleStore
	configs    storage.ConfigStore
	sessions   storage.SessionStore
	watchlists storage.WatchlistStore
}

func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool) (*backfillStores, func(), error) {
	if useMemory {
		return &backfillStores{
			candles:    memory.NewCandleStore(),
			configs:    memory.NewConfigStore(),
			sessions:   memory.NewSessionStore(),
			watchlists: memory.NewWatchlistStore(),
		}, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}
	chConn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	stores := &backfillStores{
		candles:    chstore.NewCandleStore(chConn),
		configs:    pgstore.NewConfigStore(pool),
		sessions:   pgstore.NewSessionStore(pool),
		watchlists: pgstore.NewWatchlistStore(pool),
	}
	return stores, func() {
		chConn.Close()
		pool.Close()
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
