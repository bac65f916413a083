package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/observability"
)

// Default history client configuration values.
const (
	DefaultHistoryTimeout    = 15 * time.Second
	DefaultHistoryMaxRetries = 3
	DefaultHistoryRetryDelay = 500 * time.Millisecond
	DefaultHistoryMaxDelay   = 8 * time.Second
	DefaultHistoryBackoff    = 2.0
)

// HistoryClient fetches historical candles over the brokerage HTTP API.
type HistoryClient struct {
	baseURL     string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
}

// HistoryOption configures HistoryClient.
type HistoryOption func(*HistoryClient)

// WithHistoryTimeout sets the per-request timeout.
func WithHistoryTimeout(d time.Duration) HistoryOption {
	return func(c *HistoryClient) {
		c.client.Timeout = d
	}
}

// WithHistoryRetries sets maximum retry attempts.
func WithHistoryRetries(n int) HistoryOption {
	return func(c *HistoryClient) {
		c.maxRetries = n
	}
}

// WithHistoryRetryDelay sets the initial and maximum retry delay.
func WithHistoryRetryDelay(initial, max time.Duration) HistoryOption {
	return func(c *HistoryClient) {
		c.retryDelay = initial
		c.maxDelay = max
	}
}

// WithHistoryHTTPClient sets a custom http.Client.
func WithHistoryHTTPClient(client *http.Client) HistoryOption {
	return func(c *HistoryClient) {
		c.client = client
	}
}

// NewHistoryClient creates a client for baseURL.
func NewHistoryClient(baseURL string, opts ...HistoryOption) *HistoryClient {
	c := &HistoryClient{
		baseURL:     baseURL,
		client:      &http.Client{Timeout: DefaultHistoryTimeout},
		maxRetries:  DefaultHistoryMaxRetries,
		retryDelay:  DefaultHistoryRetryDelay,
		maxDelay:    DefaultHistoryMaxDelay,
		backoffMult: DefaultHistoryBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// historyResponse is the body of GET /v1/history/candles.
type historyResponse struct {
	Candles []historyCandle `json:"candles"`
}

type historyCandle struct {
	Start  time.Time       `json:"start"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// FetchCandles retrieves closed candles with start in [from, to), ordered by start.
// Server errors and rate limits are retried with exponential backoff; other
// statuses fail immediately with a *StatusError.
func (c *HistoryClient) FetchCandles(ctx context.Context, sessionToken, symbol string, widthMinutes int, from, to time.Time) ([]*domain.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("width", strconv.Itoa(widthMinutes))
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	endpoint := c.baseURL + "/v1/history/candles?" + q.Encode()

	started := time.Now()
	body, err := c.get(ctx, sessionToken, endpoint)
	observability.RecordHistoryFetch(time.Since(started).Seconds(), errorCategory(err))
	if err != nil {
		return nil, err
	}

	var resp historyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}

	candles := make([]*domain.Candle, 0, len(resp.Candles))
	for _, hc := range resp.Candles {
		start := hc.Start.UTC()
		if start.Before(from) || !start.Before(to) {
			continue
		}
		candles = append(candles, &domain.Candle{
			Symbol:       symbol,
			WidthMinutes: widthMinutes,
			Start:        start,
			Open:         hc.Open.InexactFloat64(),
			High:         hc.High.InexactFloat64(),
			Low:          hc.Low.InexactFloat64(),
			Close:        hc.Close.InexactFloat64(),
			Volume:       hc.Volume,
			Closed:       true,
		})
	}
	return candles, nil
}

func (c *HistoryClient) get(ctx context.Context, sessionToken, endpoint string) ([]byte, error) {
	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+sessionToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			se := &StatusError{Op: "fetch history", StatusCode: resp.StatusCode, Body: truncate(string(respBody), 200)}
			if !se.Retryable() {
				return nil, se
			}
			lastErr = se
			continue
		}

		return respBody, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func errorCategory(err error) string {
	if err == nil {
		return ""
	}
	var se *StatusError
	if errors.As(err, &se) {
		if cat := se.Category(); cat != CategoryNone {
			return string(cat)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}
	return "transport"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
