// Package config loads service settings and owns the multi-timeframe
// configuration: validation, override resolution and versioning.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Settings are the process settings of cmd/server. Flags default to
// environment variables, which may come from a .env file.
type Settings struct {
	HTTPAddr      string
	PostgresDSN   string
	ClickHouseDSN string
	UseMemory     bool
	LogLevel      string

	BrokerBaseURL   string
	BrokerStreamURL string
	RelayToken      string
	MTFSeedPath     string

	RecoveryConcurrency int
	FetchTimeout        time.Duration
	FetchRetries        int
	RecoveryLookback    time.Duration
	ExpirySweepInterval time.Duration
	QueueSize           int

	DemoSymbols      []string
	DemoTickInterval time.Duration

	PyroscopeAddr string
}

// LoadEnvFile loads path into the environment. A missing file is not an error;
// variables already set win over the file.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load parses args into Settings using fs.
func Load(fs *flag.FlagSet, args []string) (*Settings, error) {
	s := &Settings{}
	var demoSymbols string

	fs.StringVar(&s.HTTPAddr, "http-addr", envString("HTTP_ADDR", ":8080"), "HTTP listen address (API, relay, metrics)")
	fs.StringVar(&s.PostgresDSN, "postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	fs.StringVar(&s.ClickHouseDSN, "clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	fs.BoolVar(&s.UseMemory, "use-memory", envBool("USE_MEMORY", false), "Use in-memory storage and the synthetic stub broker")
	fs.StringVar(&s.LogLevel, "log-level", envString("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	fs.StringVar(&s.BrokerBaseURL, "broker-base-url", os.Getenv("BROKER_BASE_URL"), "Brokerage HTTP API root")
	fs.StringVar(&s.BrokerStreamURL, "broker-stream-url", os.Getenv("BROKER_STREAM_URL"), "Brokerage tick stream WebSocket URL")
	fs.StringVar(&s.RelayToken, "relay-token", os.Getenv("RELAY_TOKEN"), "Shared secret required by tick relay observers (empty disables)")
	fs.StringVar(&s.MTFSeedPath, "mtf-seed", os.Getenv("MTF_SEED"), "YAML file seeding the global MTF config when none is stored")

	fs.IntVar(&s.RecoveryConcurrency, "recovery-concurrency", envInt("RECOVERY_CONCURRENCY", 4), "Symbols recovered in parallel")
	fs.DurationVar(&s.FetchTimeout, "fetch-timeout", envDuration("FETCH_TIMEOUT", 20*time.Second), "Timeout of one history fetch")
	fs.IntVar(&s.FetchRetries, "fetch-retries", envInt("FETCH_RETRIES", 3), "Retries of one history fetch")
	fs.DurationVar(&s.RecoveryLookback, "recovery-lookback", envDuration("RECOVERY_LOOKBACK", 24*time.Hour), "Outage window fetched when a symbol has no stored candles")
	fs.DurationVar(&s.ExpirySweepInterval, "expiry-sweep-interval", envDuration("EXPIRY_SWEEP_INTERVAL", 30*time.Second), "Signal expiry sweep interval")
	fs.IntVar(&s.QueueSize, "queue-size", envInt("QUEUE_SIZE", 4096), "Per-consumer tick queue size")

	fs.StringVar(&demoSymbols, "demo-symbols", envString("DEMO_SYMBOLS", "AAPL,MSFT,NVDA"), "Watchlist of the demo link in --use-memory mode")
	fs.DurationVar(&s.DemoTickInterval, "demo-tick-interval", envDuration("DEMO_TICK_INTERVAL", 500*time.Millisecond), "Synthetic tick interval in --use-memory mode")

	fs.StringVar(&s.PyroscopeAddr, "pyroscope-addr", os.Getenv("PYROSCOPE_ADDR"), "Pyroscope server address (empty disables profiling)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	s.DemoSymbols = splitList(demoSymbols)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks required settings.
func (s *Settings) Validate() error {
	var errs []error
	if !s.UseMemory {
		if s.PostgresDSN == "" || s.ClickHouseDSN == "" {
			errs = append(errs, errors.New("--postgres-dsn and --clickhouse-dsn are required (use --use-memory for in-memory storage)"))
		}
		if s.BrokerBaseURL == "" || s.BrokerStreamURL == "" {
			errs = append(errs, errors.New("--broker-base-url and --broker-stream-url are required (use --use-memory for the stub broker)"))
		}
	}
	if s.RecoveryConcurrency < 1 {
		errs = append(errs, errors.New("--recovery-concurrency must be at least 1"))
	}
	if s.FetchTimeout <= 0 {
		errs = append(errs, errors.New("--fetch-timeout must be positive"))
	}
	if s.FetchRetries < 0 {
		errs = append(errs, errors.New("--fetch-retries must not be negative"))
	}
	return errors.Join(errs...)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
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
