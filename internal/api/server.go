// Package api is the HTTP surface of the feed service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"mtf-feed/internal/broker"
	"mtf-feed/internal/config"
	"mtf-feed/internal/domain"
	"mtf-feed/internal/eventlog"
	"mtf-feed/internal/metrics"
	"mtf-feed/internal/observability"
	"mtf-feed/internal/recovery"
	"mtf-feed/internal/storage"
)

// EventReader serves catch-up reads of the event log.
type EventReader interface {
	ListAfterSeq(ctx context.Context, req eventlog.ReadRequest) (*eventlog.ReadResult, error)
}

// Feeds is the part of broker.Registry the API uses.
type Feeds interface {
	Snapshot() []broker.LinkHealth
	ReloadToken(ctx context.Context, link domain.LinkID, accessToken, sessionID string) (bool, error)
}

// Recoverer runs a recovery for one link.
type Recoverer interface {
	Recover(ctx context.Context, link domain.LinkID, providerCode string, trigger recovery.Trigger) (*recovery.Report, error)
}

// LiveState exposes the per-link pipeline state.
type LiveState interface {
	DegradedSymbols(link domain.LinkID) []string
	OpenIntents(link domain.LinkID) []domain.Intent
}

// Options configures Server. Relay and Live are optional.
type Options struct {
	Events   EventReader
	Feeds    Feeds
	Config   *config.Service
	Recovery Recoverer
	Sessions storage.SessionStore
	Stats    *metrics.Aggregator
	Live     LiveState
	Relay    http.Handler
	Logger   zerolog.Logger

	RecoveryTimeout time.Duration // default 2m
}

// Server routes HTTP requests to the service components.
type Server struct {
	events          EventReader
	feeds           Feeds
	config          *config.Service
	recovery        Recoverer
	sessions        storage.SessionStore
	stats           *metrics.Aggregator
	live            LiveState
	relay           http.Handler
	logger          zerolog.Logger
	recoveryTimeout time.Duration
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	timeout := opts.RecoveryTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Server{
		events:          opts.Events,
		feeds:           opts.Feeds,
		config:          opts.Config,
		recovery:        opts.Recovery,
		sessions:        opts.Sessions,
		stats:           opts.Stats,
		live:            opts.Live,
		relay:           opts.Relay,
		logger:          opts.Logger,
		recoveryTimeout: timeout,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", observability.Handler())
	if s.relay != nil {
		mux.Handle("GET /ws/ticks", s.relay)
	}

	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/health/feeds", s.handleFeedHealth)

	mux.HandleFunc("GET /api/config/mtf", s.handleGetGlobal)
	mux.HandleFunc("PUT /api/config/mtf", s.handlePutGlobal)
	mux.HandleFunc("GET /api/config/mtf/overrides", s.handleListOverrides)
	mux.HandleFunc("GET /api/config/mtf/overrides/{symbol}", s.handleGetOverride)
	mux.HandleFunc("PUT /api/config/mtf/overrides/{symbol}", s.handlePutOverride)
	mux.HandleFunc("DELETE /api/config/mtf/overrides/{symbol}", s.handleDeleteOverride)
	mux.HandleFunc("GET /api/config/mtf/resolved/{symbol}", s.handleResolved)

	mux.HandleFunc("POST /api/links/{userId}/{brokerLinkId}/reconnect", s.handleReconnect)
	mux.HandleFunc("POST /api/links/{userId}/{brokerLinkId}/session", s.handleSession)
	mux.HandleFunc("POST /api/links/{userId}/{brokerLinkId}/token", s.handleToken)
	mux.HandleFunc("GET /api/links/{userId}/{brokerLinkId}/stats", s.handleStats)
	mux.HandleFunc("GET /api/links/{userId}/{brokerLinkId}/intents", s.handleIntents)

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error  string       `json:"error"`
	Fields []fieldError `json:"fields,omitempty"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeConfigError maps configuration and store errors to a status.
func (s *Server) writeConfigError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, config.ErrInvalidConfig):
		resp := errorResponse{Error: err.Error()}
		for _, fe := range config.FieldErrors(err) {
			resp.Fields = append(resp.Fields, fieldError{Field: fe.Field, Message: fe.Message})
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		s.logger.Error().Err(err).Msg("config request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

func parseInt64(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	return v, err == nil
}

// linkFromPath reads {userId}/{brokerLinkId}.
func linkFromPath(r *http.Request) (domain.LinkID, bool) {
	userID, ok := parseInt64(r.PathValue("userId"))
	if !ok {
		return domain.LinkID{}, false
	}
	brokerLinkID, ok := parseInt64(r.PathValue("brokerLinkId"))
	if !ok {
		return domain.LinkID{}, false
	}
	return domain.LinkID{UserID: userID, BrokerLinkID: brokerLinkID}, true
}
