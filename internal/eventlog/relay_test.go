package eventlog

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-feed/internal/domain"
)

func startRelay(t *testing.T, token string) (*Relay, string) {
	t.Helper()
	relay := NewRelay(RelayOptions{Token: token, Logger: zerolog.Nop()})
	server := httptest.NewServer(relay)
	t.Cleanup(func() {
		relay.Close()
		server.Close()
	})
	return relay, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitObservers(t *testing.T, r *Relay, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Count() == n }, time.Second, 5*time.Millisecond)
}

func TestRelay_BroadcastsTickJSON(t *testing.T) {
	relay, url := startRelay(t, "")
	a := dial(t, url)
	b := dial(t, url)
	waitObservers(t, relay, 2)

	last := decimal.RequireFromString("187.25")
	bid := decimal.RequireFromString("187.24")
	relay.OnTick(domain.Tick{
		Symbol:    "AAPL",
		Timestamp: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		LastPrice: &last,
		Bid:       &bid,
		Volume:    10,
		BidQty:    3,
	})

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, "AAPL", got["symbol"])
		assert.Equal(t, "187.25", got["lastPrice"], "prices are decimal strings")
		assert.Equal(t, "187.24", got["bid"])
		assert.Equal(t, float64(10), got["volume"])
		assert.NotContains(t, got, "ask")
	}
}

func TestRelay_NoReplayForLateJoiners(t *testing.T) {
	relay, url := startRelay(t, "")
	early := dial(t, url)
	waitObservers(t, relay, 1)

	p := decimal.NewFromInt(1)
	relay.Broadcast(domain.Tick{Symbol: "OLD", LastPrice: &p})

	early.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := early.ReadMessage()
	require.NoError(t, err)

	late := dial(t, url)
	waitObservers(t, relay, 2)
	relay.Broadcast(domain.Tick{Symbol: "NEW", LastPrice: &p})

	late.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := late.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"symbol":"NEW"`)
}

func TestRelay_DisconnectedObserverIsIsolated(t *testing.T) {
	relay, url := startRelay(t, "")
	gone := dial(t, url)
	stays := dial(t, url)
	waitObservers(t, relay, 2)

	gone.Close()
	waitObservers(t, relay, 1)

	p := decimal.NewFromInt(5)
	relay.Broadcast(domain.Tick{Symbol: "AAPL", LastPrice: &p})

	stays.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := stays.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "AAPL")
}

func TestRelay_TokenGate(t *testing.T) {
	relay, url := startRelay(t, "secret")

	bad := dial(t, url+"?token=wrong")
	bad.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := bad.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	assert.Equal(t, 0, relay.Count())

	good := dial(t, url+"?token=secret")
	waitObservers(t, relay, 1)

	p := decimal.NewFromInt(1)
	relay.Broadcast(domain.Tick{Symbol: "AAPL", LastPrice: &p})
	good.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = good.ReadMessage()
	require.NoError(t, err)
}
