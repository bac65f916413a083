package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"mtf-feed/internal/broker"
	"mtf-feed/internal/domain"
	"mtf-feed/internal/recovery"
)

type sessionRequest struct {
	ProviderCode string `json:"providerCode"`
	AccessToken  string `json:"accessToken"`
	SessionID    string `json:"sessionId"`
}

type tokenRequest struct {
	AccessToken string `json:"accessToken"`
	SessionID   string `json:"sessionId"`
}

type tokenResponse struct {
	Preserved bool `json:"preserved"`
}

func (s *Server) pathLink(w http.ResponseWriter, r *http.Request) (domain.LinkID, bool) {
	link, ok := linkFromPath(r)
	if !ok || link.UserID <= 0 || link.BrokerLinkID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid link")
		return domain.LinkID{}, false
	}
	return link, true
}

// handleReconnect serves POST /api/links/{userId}/{brokerLinkId}/reconnect.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	link, ok := s.pathLink(w, r)
	if !ok {
		return
	}
	s.runRecovery(w, r, link, "", recovery.TriggerOperator)
}

// handleSession serves POST /api/links/{userId}/{brokerLinkId}/session: the
// new session is stored, then the link is recovered with it.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	link, ok := s.pathLink(w, r)
	if !ok {
		return
	}
	var req sessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.ProviderCode = strings.TrimSpace(req.ProviderCode)
	if req.ProviderCode == "" || req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "providerCode and accessToken are required")
		return
	}

	err := s.sessions.Put(r.Context(), &domain.Session{
		Link:         link,
		ProviderCode: req.ProviderCode,
		AccessToken:  req.AccessToken,
		SessionID:    req.SessionID,
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("link", link.String()).Msg("store session failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.runRecovery(w, r, link, req.ProviderCode, recovery.TriggerReauth)
}

// handleToken serves POST /api/links/{userId}/{brokerLinkId}/token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	link, ok := s.pathLink(w, r)
	if !ok {
		return
	}
	var req tokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "accessToken is required")
		return
	}

	preserved, err := s.feeds.ReloadToken(r.Context(), link, req.AccessToken, req.SessionID)
	if err != nil {
		if errors.Is(err, broker.ErrLoginRequired) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.logger.Warn().Err(err).Str("link", link.String()).Msg("token reload failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Preserved: preserved})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	link, ok := s.pathLink(w, r)
	if !ok {
		return
	}
	stats, err := s.stats.ForLink(r.Context(), link)
	if err != nil {
		s.logger.Error().Err(err).Str("link", link.String()).Msg("stats failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	link, ok := s.pathLink(w, r)
	if !ok {
		return
	}
	intents := []domain.Intent{}
	if s.live != nil {
		intents = append(intents, s.live.OpenIntents(link)...)
	}
	writeJSON(w, http.StatusOK, intents)
}

func (s *Server) runRecovery(w http.ResponseWriter, r *http.Request, link domain.LinkID, providerCode string, trigger recovery.Trigger) {
	// A dropped client does not cancel a recovery in progress.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.recoveryTimeout)
	defer cancel()

	report, err := s.recovery.Recover(ctx, link, providerCode, trigger)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, broker.ErrLoginRequired) {
			status = http.StatusUnauthorized
		}
		if report == nil {
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, status, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
