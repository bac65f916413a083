package config

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/eventlog"
	"mtf-feed/internal/storage"
	"mtf-feed/internal/storage/memory"
)

type recordedEvent struct {
	eventType string
	scope     domain.Scope
	payload   UpdatePayload
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *recordingEmitter) Emit(_ context.Context, eventType string, scope domain.Scope, payload any, _ eventlog.Correlation) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{eventType: eventType, scope: scope, payload: payload.(UpdatePayload)})
	return int64(len(e.events)), nil
}

func ptr[T any](v T) *T { return &v }

func newTestService(t *testing.T) (*Service, *memory.ConfigStore, *recordingEmitter) {
	t.Helper()
	store := memory.NewConfigStore()
	events := &recordingEmitter{}
	svc := NewService(ServiceOptions{
		Store:  store,
		Events: events,
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, svc.Load(context.Background(), nil))
	return svc, store, events
}

func fieldNames(err error) []string {
	var names []string
	for _, fe := range FieldErrors(err) {
		names = append(names, fe.Field)
	}
	return names
}

func TestValidate_Default(t *testing.T) {
	assert.NoError(t, Validate(domain.DefaultMTFConfig()))
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.MTFConfig)
		field  string
	}{
		{"weights not summing to 100", func(c *domain.MTFConfig) { c.HTF.Weight = 40 }, "weights"},
		{"zero width", func(c *domain.MTFConfig) { c.LTF.WidthMinutes = 0 }, "LTF.widthMinutes"},
		{"unordered widths", func(c *domain.MTFConfig) { c.ITF.WidthMinutes = 5 }, "ITF.widthMinutes"},
		{"retained too small", func(c *domain.MTFConfig) { c.HTF.RetainedCandles = 1 }, "HTF.retainedCandles"},
		{"unknown confluence type", func(c *domain.MTFConfig) { c.MinConfluenceType = "SOME" }, "minConfluenceType"},
		{"thresholds out of order", func(c *domain.MTFConfig) { c.ThresholdStrong = 90 }, "thresholds"},
		{"kelly fraction", func(c *domain.MTFConfig) { c.KellyFraction = 0 }, "kellyFraction"},
		{"portfolio below position", func(c *domain.MTFConfig) { c.MaxPortfolioLogLoss = 0.01 }, "maxPortfolioLogLoss"},
		{"stress bound", func(c *domain.MTFConfig) {
			c.StressThrottleEnabled = true
			c.StressThrottleBound = 1.5
		}, "stressThrottleBound"},
		{"utility alpha", func(c *domain.MTFConfig) {
			c.UtilityGateEnabled = true
			c.UtilityAlpha = 0
		}, "utilityAlpha"},
		{"stretch below target", func(c *domain.MTFConfig) { c.StretchR = 1 }, "stretchR"},
		{"stop multiple", func(c *domain.MTFConfig) { c.StopATRMultiple = 0 }, "stopAtrMultiple"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultMTFConfig()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, fieldNames(err), tt.field)
		})
	}
}

func TestValidate_ReportsEveryField(t *testing.T) {
	cfg := domain.DefaultMTFConfig()
	cfg.LTF.WidthMinutes = -1
	cfg.TargetR = 0
	err := Validate(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Subset(t, fieldNames(err), []string{"LTF.widthMinutes", "targetR"})
}

func TestService_LoadSeedsDefault(t *testing.T) {
	svc, store, _ := newTestService(t)

	stored, err := store.GetGlobal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)
	assert.Equal(t, 1, svc.Global().Version)
}

func TestService_LoadUsesSeed(t *testing.T) {
	store := memory.NewConfigStore()
	svc := NewService(ServiceOptions{Store: store, Logger: zerolog.Nop()})

	seed := domain.DefaultMTFConfig()
	seed.MinConfluenceScore = 55
	require.NoError(t, svc.Load(context.Background(), &seed))
	assert.Equal(t, 55.0, svc.Global().MinConfluenceScore)

	// An existing stored config wins over the seed.
	other := domain.DefaultMTFConfig()
	other.MinConfluenceScore = 10
	svc2 := NewService(ServiceOptions{Store: store, Logger: zerolog.Nop()})
	require.NoError(t, svc2.Load(context.Background(), &other))
	assert.Equal(t, 55.0, svc2.Global().MinConfluenceScore)
}

func TestService_ReplaceGlobalVersions(t *testing.T) {
	svc, store, events := newTestService(t)
	ctx := context.Background()

	cfg := domain.DefaultMTFConfig()
	cfg.MinConfluenceScore = 60
	cfg.Version = 99 // ignored

	got, err := svc.ReplaceGlobal(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 60.0, svc.Global().MinConfluenceScore)

	stored, err := store.GetGlobal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)

	require.Len(t, events.events, 1)
	assert.Equal(t, domain.EventConfigUpdated, events.events[0].eventType)
	assert.Equal(t, domain.ScopeGlobal, events.events[0].scope.Kind)
	assert.Equal(t, UpdatePayload{Target: "global", Action: "put", Version: 2}, events.events[0].payload)
}

func TestService_InvalidNeverPersisted(t *testing.T) {
	svc, store, events := newTestService(t)
	ctx := context.Background()

	cfg := domain.DefaultMTFConfig()
	cfg.LTF.Weight = 90
	_, err := svc.ReplaceGlobal(ctx, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)

	stored, err := store.GetGlobal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)
	assert.Equal(t, 20.0, stored.LTF.Weight)
	assert.Empty(t, events.events)
}

func TestService_ReplaceGlobalRejectsConflictingOverride(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.PutOverride(ctx, domain.MTFOverride{Symbol: "AAPL", TargetR: ptr(2.5)})
	require.NoError(t, err)

	// StretchR 2.2 is fine globally but falls below the override's TargetR.
	cfg := domain.DefaultMTFConfig()
	cfg.StretchR = 2.2
	_, err = svc.ReplaceGlobal(ctx, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 3.0, svc.Global().StretchR)
}

func TestService_ResolveFieldWise(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	link := domain.LinkID{UserID: 1, BrokerLinkID: 2}

	_, err := svc.PutOverride(ctx, domain.MTFOverride{
		Symbol:             "AAPL",
		MinConfluenceScore: ptr(45.0),
		TargetR:            ptr(2.5),
	})
	require.NoError(t, err)
	_, err = svc.PutOverride(ctx, domain.MTFOverride{
		Symbol:             "AAPL",
		Link:               &link,
		MinConfluenceScore: ptr(70.0),
	})
	require.NoError(t, err)

	linkCfg := svc.Resolve("AAPL", &link)
	assert.Equal(t, 70.0, linkCfg.MinConfluenceScore, "link override wins")
	assert.Equal(t, 2.5, linkCfg.TargetR, "symbol override fills the gap")
	assert.Equal(t, 0.25, linkCfg.KellyFraction, "global fills the rest")

	symCfg := svc.Resolve("AAPL", nil)
	assert.Equal(t, 45.0, symCfg.MinConfluenceScore)

	otherLink := domain.LinkID{UserID: 1, BrokerLinkID: 3}
	assert.Equal(t, 45.0, svc.Resolve("AAPL", &otherLink).MinConfluenceScore)
	assert.Equal(t, 40.0, svc.Resolve("MSFT", &link).MinConfluenceScore)
}

func TestService_OverrideRejectedWhenResolvedInvalid(t *testing.T) {
	svc, store, events := newTestService(t)
	ctx := context.Background()

	_, err := svc.PutOverride(ctx, domain.MTFOverride{
		Symbol: "AAPL",
		LTF:    domain.TimeframeOverride{Weight: ptr(40.0)},
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, fieldNames(err), "weights")

	_, err = store.GetOverride(ctx, "AAPL", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, events.events)

	_, err = svc.PutOverride(ctx, domain.MTFOverride{})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, fieldNames(err), "symbol")
}

func TestService_DeleteOverride(t *testing.T) {
	svc, _, events := newTestService(t)
	ctx := context.Background()
	link := domain.LinkID{UserID: 4, BrokerLinkID: 5}

	_, err := svc.PutOverride(ctx, domain.MTFOverride{Symbol: "MSFT", Link: &link, TargetR: ptr(2.5)})
	require.NoError(t, err)
	assert.Equal(t, 2.5, svc.Resolve("MSFT", &link).TargetR)

	require.NoError(t, svc.DeleteOverride(ctx, "MSFT", &link))
	assert.Equal(t, 2.0, svc.Resolve("MSFT", &link).TargetR)

	err = svc.DeleteOverride(ctx, "MSFT", &link)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.Len(t, events.events, 2)
	assert.Equal(t, domain.LinkScope(link), events.events[1].scope)
	assert.Equal(t, "delete", events.events[1].payload.Action)
}

func TestService_OverridesSorted(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	link := domain.LinkID{UserID: 1, BrokerLinkID: 1}

	for _, o := range []domain.MTFOverride{
		{Symbol: "MSFT", TargetR: ptr(2.5)},
		{Symbol: "AAPL", Link: &link, TargetR: ptr(2.5)},
		{Symbol: "AAPL", TargetR: ptr(2.5)},
	} {
		_, err := svc.PutOverride(ctx, o)
		require.NoError(t, err)
	}

	list := svc.Overrides()
	require.Len(t, list, 3)
	assert.Equal(t, "AAPL", list[0].Symbol)
	assert.Nil(t, list[0].Link)
	assert.Equal(t, "AAPL", list[1].Symbol)
	assert.NotNil(t, list[1].Link)
	assert.Equal(t, "MSFT", list[2].Symbol)
}

func TestService_LoadRestoresOverrides(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.PutOverride(ctx, domain.MTFOverride{
		Symbol: "NVDA",
		LTF:    domain.TimeframeOverride{WidthMinutes: ptr(1)},
	})
	require.NoError(t, err)

	fresh := NewService(ServiceOptions{Store: store, Logger: zerolog.Nop()})
	require.NoError(t, fresh.Load(ctx, nil))

	widths := fresh.Widths(domain.LinkID{UserID: 1, BrokerLinkID: 1}, "NVDA")
	assert.Equal(t, 1, widths[domain.TimeframeLTF])
	assert.Equal(t, 15, widths[domain.TimeframeITF])
	assert.Equal(t, 60, widths[domain.TimeframeHTF])
}

func TestUpdatePayload_JSON(t *testing.T) {
	data, err := json.Marshal(overridePayload("put", 3, "AAPL", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"target":"override","action":"put","version":3,"symbol":"AAPL"}`, string(data))
}

func TestLoadMTFYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mtf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ltf:
  width_minutes: 1
  weight: 25
itf:
  weight: 25
min_confluence_type: ALL_THREE
utility_gate_enabled: true
`), 0o600))

	cfg, err := LoadMTFYAML(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.LTF.WidthMinutes)
	assert.Equal(t, 200, cfg.LTF.RetainedCandles, "absent fields keep defaults")
	assert.Equal(t, 25.0, cfg.ITF.Weight)
	assert.Equal(t, domain.ConfluenceAllThree, cfg.MinConfluenceType)
	assert.True(t, cfg.UtilityGateEnabled)

	require.NoError(t, os.WriteFile(path, []byte("ltf:\n  weight: 70\n"), 0o600))
	_, err = LoadMTFYAML(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadMTFYAML(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadSettings(t *testing.T) {
	t.Setenv("RECOVERY_CONCURRENCY", "8")
	t.Setenv("DEMO_SYMBOLS", " AAPL, ,TSLA ")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	s, err := Load(fs, []string{"--use-memory", "--fetch-timeout", "5s"})
	require.NoError(t, err)
	assert.True(t, s.UseMemory)
	assert.Equal(t, 8, s.RecoveryConcurrency)
	assert.Equal(t, 5*time.Second, s.FetchTimeout)
	assert.Equal(t, []string{"AAPL", "TSLA"}, s.DemoSymbols)
	assert.Equal(t, ":8080", s.HTTPAddr)
}

func TestLoadSettings_RequiresBackends(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("CLICKHOUSE_DSN", "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := Load(fs, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--postgres-dsn")
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("MTF_TEST_ENV_KEY=from-file\n"), 0o600))
	t.Setenv("MTF_TEST_ENV_KEY", "")
	os.Unsetenv("MTF_TEST_ENV_KEY")

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "from-file", os.Getenv("MTF_TEST_ENV_KEY"))

	assert.NoError(t, LoadEnvFile(filepath.Join(dir, "missing.env")))
}
