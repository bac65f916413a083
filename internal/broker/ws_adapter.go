package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/observability"
)

// ProviderWS is the provider code of the WebSocket brokerage adapter.
const ProviderWS = "WS"

// errAuthExpired is returned by the read loop when the stream reports expired credentials.
var errAuthExpired = errors.New("stream credentials expired")

// WSConfig configures the WebSocket adapter.
type WSConfig struct {
	// BaseURL is the brokerage HTTP API root (session login, history).
	BaseURL string
	// StreamURL is the tick stream endpoint.
	StreamURL string
	// Backoff paces reconnect attempts.
	Backoff Backoff
	// AuthRetryLimit is how many consecutive 401/403 handshakes are retried
	// before the link moves to RECONNECT_REQUIRED.
	AuthRetryLimit int
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// HandshakeTimeout bounds the stream handshake.
	HandshakeTimeout time.Duration
	// LoginTimeout bounds the session login request.
	LoginTimeout time.Duration
	// QueueSize is the per-consumer fan-out buffer.
	QueueSize int
	// HistoryOptions configure the history client.
	HistoryOptions []HistoryOption
}

// DefaultWSConfig returns default WebSocket adapter configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		Backoff:          DefaultBackoff(),
		AuthRetryLimit:   2,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		LoginTimeout:     15 * time.Second,
		QueueSize:        DefaultQueueSize,
	}
}

// streamMessage is an inbound stream frame. Tick fields are inlined.
type streamMessage struct {
	Type    string `json:"type"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	domain.Tick
}

// streamCommand is an outbound stream frame.
type streamCommand struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols,omitempty"`
	Token   string   `json:"token,omitempty"`
}

type loginRequest struct {
	SessionID string `json:"sessionId"`
}

type loginResponse struct {
	SessionToken string `json:"sessionToken"`
	Message      string `json:"message"`
}

// WSAdapter streams ticks from a brokerage WebSocket endpoint. A supervisor
// goroutine owns the connection: it dials with backoff, resubscribes every
// symbol after a reconnect and drives the state machine.
type WSAdapter struct {
	id      string
	cfg     WSConfig
	logger  zerolog.Logger
	machine *StateMachine
	fanout  *Fanout
	history *HistoryClient
	client  *http.Client

	mu           sync.Mutex
	creds        Credentials
	sessionToken string
	symbols      []string
	symbolSet    map[string]struct{}
	conn         *websocket.Conn
	cancel       context.CancelFunc
	done         chan struct{}

	writeMu sync.Mutex
	closed  atomic.Bool
}

var _ Adapter = (*WSAdapter)(nil)
var _ TokenReloader = (*WSAdapter)(nil)

// NewWSAdapter creates a disconnected adapter.
func NewWSAdapter(cfg WSConfig, logger zerolog.Logger, onChange StateChangeFunc) *WSAdapter {
	def := DefaultWSConfig()
	if cfg.Backoff.Min <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = def.LoginTimeout
	}

	id := uuid.NewString()
	logger = logger.With().Str("adapter", id).Logger()

	return &WSAdapter{
		id:        id,
		cfg:       cfg,
		logger:    logger,
		machine:   NewStateMachine(onChange),
		fanout:    NewFanout(cfg.QueueSize, logger),
		history:   NewHistoryClient(cfg.BaseURL, cfg.HistoryOptions...),
		client:    &http.Client{Timeout: cfg.LoginTimeout},
		symbolSet: make(map[string]struct{}),
	}
}

// WSFactory returns a Factory building WebSocket adapters with cfg.
func WSFactory(cfg WSConfig) Factory {
	return func(p FactoryParams) (Adapter, error) {
		return NewWSAdapter(cfg, p.Logger, p.OnStateChange), nil
	}
}

// ID identifies this adapter instance.
func (a *WSAdapter) ID() string { return a.id }

// State returns the current connectivity snapshot.
func (a *WSAdapter) State() domain.ConnectivityState { return a.machine.Snapshot() }

// IsConnected reports whether an upstream session is established.
func (a *WSAdapter) IsConnected() bool { return a.machine.Snapshot().Connected }

// Connect logs in and starts the stream supervisor. The stream comes up
// asynchronously; State reports its progress.
func (a *WSAdapter) Connect(ctx context.Context, creds Credentials) (ConnectResult, error) {
	if a.closed.Load() {
		return ConnectResult{}, ErrClosed
	}

	a.stopSupervisor()

	if err := a.machine.BeginConnect(); err != nil {
		return ConnectResult{}, err
	}

	token, msg, err := a.login(ctx, creds)
	if err != nil {
		a.machine.Disconnected(false, StatusCode(err), err)
		return ConnectResult{Success: false, Message: err.Error()}, fmt.Errorf("login: %w", err)
	}

	if err := a.machine.SessionEstablished(); err != nil {
		return ConnectResult{}, err
	}

	superCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.mu.Lock()
	a.creds = creds
	a.sessionToken = token
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.supervise(superCtx, done)

	return ConnectResult{Success: true, Message: msg, SessionToken: token}, nil
}

// SubscribeTicks adds symbols to the stream subscription and attaches consumer.
func (a *WSAdapter) SubscribeTicks(symbols []string, name string, consumer Consumer) (Subscription, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}

	sub, err := a.fanout.Add(name, symbols, consumer)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	var added []string
	for _, s := range symbols {
		if _, ok := a.symbolSet[s]; ok {
			continue
		}
		a.symbolSet[s] = struct{}{}
		a.symbols = append(a.symbols, s)
		added = append(added, s)
	}
	conn := a.conn
	a.mu.Unlock()

	if conn != nil && len(added) > 0 {
		if err := a.write(conn, streamCommand{Action: "subscribe", Symbols: added}); err != nil {
			// The supervisor resubscribes everything after the reconnect.
			a.logger.Warn().Err(err).Strs("symbols", added).Msg("subscribe write failed")
		}
	}

	return sub, nil
}

// FetchCandles retrieves closed historical candles over the session.
func (a *WSAdapter) FetchCandles(ctx context.Context, symbol string, widthMinutes int, from, to time.Time) ([]*domain.Candle, error) {
	a.mu.Lock()
	token := a.sessionToken
	a.mu.Unlock()

	if token == "" {
		return nil, ErrNotConnected
	}
	return a.history.FetchCandles(ctx, token, symbol, widthMinutes, from, to)
}

// ReloadToken logs in with new credentials and, when the stream is up,
// re-authenticates it in place.
func (a *WSAdapter) ReloadToken(ctx context.Context, creds Credentials) (bool, error) {
	if a.closed.Load() {
		return false, ErrClosed
	}

	token, _, err := a.login(ctx, creds)
	if err != nil {
		return false, fmt.Errorf("login: %w", err)
	}

	a.mu.Lock()
	a.creds = creds
	a.sessionToken = token
	conn := a.conn
	a.mu.Unlock()

	if conn == nil || a.machine.Snapshot().State != domain.ConnStateConnected {
		return false, nil
	}
	if err := a.write(conn, streamCommand{Action: "reauth", Token: token}); err != nil {
		a.logger.Warn().Err(err).Msg("reauth write failed")
		return false, nil
	}
	return true, nil
}

// Disconnect stops the stream and forgets the session. Consumers stay attached.
func (a *WSAdapter) Disconnect() error {
	a.stopSupervisor()

	a.mu.Lock()
	a.sessionToken = ""
	a.mu.Unlock()

	a.machine.Disconnected(false, 0, nil)
	return nil
}

// Close disconnects and detaches every consumer.
func (a *WSAdapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	err := a.Disconnect()
	a.fanout.Close()
	return err
}

// stopSupervisor cancels the supervisor and waits for it to exit.
func (a *WSAdapter) stopSupervisor() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *WSAdapter) login(ctx context.Context, creds Credentials) (string, string, error) {
	body, err := json.Marshal(loginRequest{SessionID: creds.SessionID})
	if err != nil {
		return "", "", fmt.Errorf("marshal login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/session", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", &StatusError{Op: "login", StatusCode: resp.StatusCode, Body: truncate(string(respBody), 200)}
	}

	var lr loginResponse
	if err := json.Unmarshal(respBody, &lr); err != nil {
		return "", "", fmt.Errorf("unmarshal login: %w", err)
	}
	if lr.SessionToken == "" {
		return "", "", fmt.Errorf("login: empty session token")
	}
	return lr.SessionToken, lr.Message, nil
}

// supervise owns the stream connection until ctx is canceled or the
// credentials expire.
func (a *WSAdapter) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	authFailures := 0
	everConnected := false

	for {
		conn, status, err := a.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				a.canceled()
				return
			}

			if ClassifyStatus(status) == CategoryAuth {
				authFailures++
				if authFailures > a.cfg.AuthRetryLimit {
					a.machine.CredentialsExpired(status, err)
					observability.RecordReconnect("auth_expired")
					a.logger.Warn().Int("status", status).Msg("stream credentials rejected, reconnect required")
					return
				}
			}

			a.machine.AttemptFailed(status, err)
			observability.RecordReconnect("failed")
			attempt++
			a.logger.Warn().Err(err).Int("attempt", attempt).Msg("stream dial failed")

			if !a.sleep(ctx, a.cfg.Backoff.Next(attempt)) {
				a.canceled()
				return
			}
			if err := a.machine.BeginConnect(); err != nil {
				a.logger.Error().Err(err).Msg("begin connect")
				return
			}
			continue
		}

		attempt = 0
		authFailures = 0

		a.mu.Lock()
		a.conn = conn
		symbols := append([]string(nil), a.symbols...)
		a.mu.Unlock()

		if err := a.machine.Established(); err != nil {
			a.logger.Error().Err(err).Msg("mark established")
		}
		if len(symbols) > 0 {
			if err := a.write(conn, streamCommand{Action: "subscribe", Symbols: symbols}); err != nil {
				a.logger.Warn().Err(err).Msg("resubscribe write failed")
			}
		}
		if everConnected {
			observability.RecordReconnect("success")
			a.fanout.NotifyResubscribe(time.Now().UTC())
			a.logger.Info().Int("symbols", len(symbols)).Msg("stream reconnected")
		} else {
			a.logger.Info().Int("symbols", len(symbols)).Msg("stream connected")
		}
		everConnected = true

		err = a.readLoop(ctx, conn)

		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			a.machine.Disconnected(true, 0, nil)
			return
		}
		if errors.Is(err, errAuthExpired) {
			a.machine.CredentialsExpired(http.StatusUnauthorized, err)
			observability.RecordReconnect("auth_expired")
			a.logger.Warn().Msg("stream reported expired credentials")
			return
		}

		a.machine.TransportLost(err)
		a.logger.Warn().Err(err).Msg("stream lost, reconnecting")
		attempt = 1
		if !a.sleep(ctx, a.cfg.Backoff.Next(attempt)) {
			a.canceled()
			return
		}
	}
}

// canceled records a reconnect abandoned by Disconnect.
func (a *WSAdapter) canceled() {
	observability.RecordReconnect("canceled")
	a.machine.Disconnected(true, 0, nil)
}

func (a *WSAdapter) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// dial opens the stream. status is the handshake HTTP status, 0 when none was received.
func (a *WSAdapter) dial(ctx context.Context) (*websocket.Conn, int, error) {
	a.mu.Lock()
	token := a.sessionToken
	a.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, a.cfg.StreamURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
			return nil, resp.StatusCode, &StatusError{Op: "stream handshake", StatusCode: resp.StatusCode, Body: string(body)}
		}
		return nil, 0, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, 0, nil
}

// readLoop reads frames until the connection fails or ctx is canceled.
func (a *WSAdapter) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	go a.pingLoop(conn, stop)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
	})

	for {
		conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := a.handleMessage(message); err != nil {
			return err
		}
	}
}

func (a *WSAdapter) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(a.cfg.WriteTimeout))
			a.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (a *WSAdapter) handleMessage(data []byte) error {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		a.logger.Debug().Err(err).Msg("skip malformed frame")
		return nil
	}

	switch msg.Type {
	case "tick":
		if msg.Symbol == "" {
			return nil
		}
		t := msg.Tick
		if t.Timestamp.IsZero() {
			t.Timestamp = time.Now()
		}
		t.Timestamp = t.Timestamp.UTC()
		observability.RecordTick(float64(t.Timestamp.UnixMilli()) / 1000)
		a.fanout.Publish(t)
	case "auth_expired":
		return errAuthExpired
	case "error":
		a.logger.Warn().Int("status", msg.Status).Str("message", msg.Message).Msg("stream error frame")
		if ClassifyStatus(msg.Status) == CategoryAuth {
			return errAuthExpired
		}
	}
	return nil
}

func (a *WSAdapter) write(conn *websocket.Conn, cmd streamCommand) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
	return conn.WriteJSON(cmd)
}
