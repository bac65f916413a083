package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-feed/internal/broker"
	"mtf-feed/internal/broker/stub"
	"mtf-feed/internal/config"
	"mtf-feed/internal/domain"
	"mtf-feed/internal/eventlog"
	"mtf-feed/internal/live"
	"mtf-feed/internal/storage/memory"
)

var (
	testLink = domain.LinkID{UserID: 3, BrokerLinkID: 9}
	fixedNow = time.Date(2024, 3, 4, 10, 0, 30, 0, time.UTC)
)

type fixture struct {
	orch     *Orchestrator
	registry *broker.Registry
	manager  *live.Manager
	log      *eventlog.Log
	candles  *memory.CandleStore

	mu       sync.Mutex
	adapters []*stub.Adapter
	script   func(*stub.Adapter)
}

func newFixture(t *testing.T, withSession bool) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{candles: memory.NewCandleStore()}

	seed := domain.DefaultMTFConfig()
	seed.LTF = domain.TimeframeSettings{WidthMinutes: 1, RetainedCandles: 40, Weight: 20}
	seed.ITF = domain.TimeframeSettings{WidthMinutes: 2, RetainedCandles: 5, Weight: 30}
	seed.HTF = domain.TimeframeSettings{WidthMinutes: 4, RetainedCandles: 5, Weight: 50}
	cfg := config.NewService(config.ServiceOptions{Store: memory.NewConfigStore(), Logger: zerolog.Nop()})
	require.NoError(t, cfg.Load(ctx, &seed))

	sessions := memory.NewSessionStore()
	if withSession {
		require.NoError(t, sessions.Put(ctx, &domain.Session{
			Link: testLink, ProviderCode: stub.ProviderCode, AccessToken: "tok", SessionID: "s1",
		}))
	}
	f.registry = broker.NewRegistry(broker.RegistryOptions{Sessions: sessions, Logger: zerolog.Nop()})
	f.registry.Register(stub.ProviderCode, stub.Factory(func(a *stub.Adapter) {
		a.SetSynthetic(true)
		f.mu.Lock()
		if f.script != nil {
			f.script(a)
		}
		f.adapters = append(f.adapters, a)
		f.mu.Unlock()
	}))

	watchlists := memory.NewWatchlistStore()
	for _, s := range []string{"A", "B", "C", "A"} {
		require.NoError(t, watchlists.Put(ctx, &domain.WatchlistEntry{Link: testLink, Symbol: s, Enabled: true}))
	}
	require.NoError(t, watchlists.Put(ctx, &domain.WatchlistEntry{Link: testLink, Symbol: "D", Enabled: false}))

	f.log = eventlog.New(eventlog.Options{Store: memory.NewEventStore(), Logger: zerolog.Nop()})
	f.manager = live.NewManager(live.Options{
		Config:  cfg,
		Candles: f.candles,
		Signals: memory.NewSignalStore(),
		Trades:  memory.NewTradeStore(),
		Events:  f.log,
		Logger:  zerolog.Nop(),
	})

	f.orch = New(Options{
		Registry:     f.registry,
		Pipeline:     f.manager,
		Watchlists:   watchlists,
		Candles:      f.candles,
		Config:       cfg,
		Events:       f.log,
		Logger:       zerolog.Nop(),
		Concurrency:  2,
		FetchTimeout: time.Second,
		Retries:      1,
		Backoff:      broker.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
		Lookback:     30 * time.Minute,
		Now:          func() time.Time { return fixedNow },
	})

	t.Cleanup(func() {
		f.manager.Close()
		f.registry.Close()
	})
	return f
}

func (f *fixture) adapter(i int) *stub.Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[i]
}

func (f *fixture) recoveryEvents(t *testing.T) []*domain.Event {
	t.Helper()
	res, err := f.log.ListAfterSeq(context.Background(), eventlog.ReadRequest{
		Limit:  eventlog.MaxLimit,
		Reader: domain.ReaderScope{UserID: testLink.UserID, BrokerLinkID: testLink.BrokerLinkID},
	})
	require.NoError(t, err)
	var out []*domain.Event
	for _, e := range res.Events {
		if e.Type == domain.EventRecoveryCompleted {
			out = append(out, e)
		}
	}
	return out
}

func TestRecover_FailingSymbolIsIsolated(t *testing.T) {
	f := newFixture(t, true)
	f.script = func(a *stub.Adapter) { a.FailSymbol("B", errors.New("history unavailable")) }

	report, err := f.orch.Recover(context.Background(), testLink, "", TriggerStartup)
	require.NoError(t, err)

	require.Len(t, report.Symbols, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{report.Symbols[0].Symbol, report.Symbols[1].Symbol, report.Symbols[2].Symbol})

	// Gap from 09:30 to 10:00: 30 LTF, 15 ITF and 8 HTF buckets (09:28 floor),
	// then 10 more LTF candles to reach the retained 40.
	for _, i := range []int{0, 2} {
		assert.True(t, report.Symbols[i].Success, report.Symbols[i].Message)
		assert.Equal(t, 63, report.Symbols[i].CandlesBackfilled)
	}
	assert.False(t, report.Symbols[1].Success)
	assert.Contains(t, report.Symbols[1].Message, "history unavailable")
	assert.Zero(t, report.Symbols[1].CandlesBackfilled)
	assert.Equal(t, []string{"B"}, report.Failed())

	assert.Equal(t, 2, f.adapter(0).FetchCount("B"), "one retry")
	assert.Equal(t, []string{"A", "C"}, f.manager.Subscribed(testLink))
	assert.Equal(t, []string{"B"}, f.manager.DegradedSymbols(testLink))
	assert.Len(t, f.manager.Series(testLink, "A")[domain.TimeframeLTF], 40)

	latest, err := f.candles.Latest(context.Background(), "A", 1)
	require.NoError(t, err)
	assert.False(t, latest.End().After(fixedNow), "only buckets ended before the start are stored")

	events := f.recoveryEvents(t)
	require.Len(t, events, 1)
	var payload Report
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, TriggerStartup, payload.Trigger)
	assert.Len(t, payload.Symbols, 3)
}

func TestRecover_AuthFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, true)
	f.script = func(a *stub.Adapter) {
		a.FailSymbol("C", &broker.StatusError{Op: "history", StatusCode: http.StatusUnauthorized})
	}

	report, err := f.orch.Recover(context.Background(), testLink, stub.ProviderCode, TriggerOperator)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, report.Failed())
	assert.Equal(t, 1, f.adapter(0).FetchCount("C"))
}

func TestRecover_RerunEvictsSessionAndSkipsFilledGap(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.orch.Recover(ctx, testLink, "", TriggerStartup)
	require.NoError(t, err)
	first := f.adapter(0)

	report, err := f.orch.Recover(ctx, testLink, "", TriggerReauth)
	require.NoError(t, err)

	assert.False(t, first.IsConnected(), "previous adapter closed")
	second := f.adapter(1)
	assert.True(t, second.IsConnected())
	assert.Zero(t, second.FetchCount("A"))
	for _, s := range report.Symbols {
		assert.True(t, s.Success)
		assert.Zero(t, s.CandlesBackfilled)
	}
	assert.Len(t, f.recoveryEvents(t), 2)
}

func TestRecover_NoSessionFailsWholeLink(t *testing.T) {
	f := newFixture(t, false)

	report, err := f.orch.Recover(context.Background(), testLink, "", TriggerStartup)
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrLoginRequired)
	assert.NotEmpty(t, report.Error)
	assert.Empty(t, report.Symbols)
	assert.Len(t, f.recoveryEvents(t), 1)
}

func TestBackfillRange(t *testing.T) {
	f := newFixture(t, true)
	f.script = func(a *stub.Adapter) { a.FailSymbol("B", errors.New("history unavailable")) }
	ctx := context.Background()

	// The range end is clipped to now.
	report, err := f.orch.BackfillRange(ctx, testLink, "", []string{"A", "B", "A"}, fixedNow.Add(-10*time.Minute), fixedNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, TriggerBackfill, report.Trigger)
	require.Len(t, report.Symbols, 2)

	// 09:50..10:00 is 10 LTF, 5 ITF and 3 HTF buckets (09:48 floor).
	assert.True(t, report.Symbols[0].Success)
	assert.Equal(t, 18, report.Symbols[0].CandlesBackfilled)
	assert.Equal(t, []string{"B"}, report.Failed())

	assert.Empty(t, f.manager.Subscribed(testLink), "live pipeline untouched")
	assert.Empty(t, f.recoveryEvents(t))

	_, err = f.orch.BackfillRange(ctx, testLink, "", nil, fixedNow, fixedNow)
	assert.Error(t, err)
}
