package api

import (
	"net/http"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/eventlog"
)

type eventsResponse struct {
	AfterSeq  int64           `json:"afterSeq"`
	LatestSeq int64           `json:"latestSeq"`
	Events    []*domain.Event `json:"events"`
}

// handleEvents serves GET /api/events. userId is required; brokerLinkId
// narrows link-scoped events to one link.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	userID, ok := parseInt64(q.Get("userId"))
	if !ok || userID <= 0 {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	reader := domain.ReaderScope{UserID: userID}
	if v := q.Get("brokerLinkId"); v != "" {
		id, ok := parseInt64(v)
		if !ok || id < 0 {
			writeError(w, http.StatusBadRequest, "invalid brokerLinkId")
			return
		}
		reader.BrokerLinkID = id
	}

	req := eventlog.ReadRequest{Reader: reader}
	if v := q.Get("afterSeq"); v != "" {
		seq, ok := parseInt64(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid afterSeq")
			return
		}
		req.AfterSeq = seq
	}
	if v := q.Get("limit"); v != "" {
		limit, ok := parseInt64(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		req.Limit = int(limit)
	}

	res, err := s.events.ListAfterSeq(r.Context(), req)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("event read failed")
		writeError(w, http.StatusServiceUnavailable, "event log unavailable")
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		AfterSeq:  res.AfterSeq,
		LatestSeq: res.LatestSeq,
		Events:    res.Events,
	})
}

type feedHealth struct {
	UserID             int64    `json:"userId"`
	BrokerLinkID       int64    `json:"brokerLinkId"`
	Connected          bool     `json:"connected"`
	TransportConnected bool     `json:"transportConnected"`
	FeedStatus         string   `json:"feedStatus"`
	Label              string   `json:"label"`
	State              string   `json:"state"`
	RetryCount         int      `json:"retryCount,omitempty"`
	LastHTTPStatus     int      `json:"lastHttpStatus,omitempty"`
	LastError          string   `json:"lastError,omitempty"`
	DegradedSymbols    []string `json:"degradedSymbols,omitempty"`
}

// handleFeedHealth serves GET /api/health/feeds, one entry per cached link.
func (s *Server) handleFeedHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.feeds.Snapshot()
	out := make([]feedHealth, 0, len(snapshot))
	for _, h := range snapshot {
		entry := feedHealth{
			UserID:             h.Link.UserID,
			BrokerLinkID:       h.Link.BrokerLinkID,
			Connected:          h.State.Connected,
			TransportConnected: h.State.TransportConnected,
			FeedStatus:         string(h.Status),
			Label:              h.Label,
			State:              string(h.State.State),
		}
		if h.Status.Degraded() {
			entry.RetryCount = h.State.RetryCount
			entry.LastHTTPStatus = h.State.LastStatus
			entry.LastError = h.State.LastError
		}
		if s.live != nil {
			entry.DegradedSymbols = s.live.DegradedSymbols(h.Link)
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}
