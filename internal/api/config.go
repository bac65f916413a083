package api

import (
	"errors"
	"net/http"
	"strings"

	"mtf-feed/internal/domain"
)

var errBadLink = errors.New("userId and brokerLinkId must be given together")

// overrideView adds the owning link to an override, which the domain type
// does not serialize.
type overrideView struct {
	*domain.MTFOverride
	UserID       *int64 `json:"userId,omitempty"`
	BrokerLinkID *int64 `json:"brokerLinkId,omitempty"`
}

func viewOf(o *domain.MTFOverride) overrideView {
	v := overrideView{MTFOverride: o}
	if o.Link != nil {
		userID, brokerLinkID := o.Link.UserID, o.Link.BrokerLinkID
		v.UserID = &userID
		v.BrokerLinkID = &brokerLinkID
	}
	return v
}

// linkFromQuery reads the optional ?userId=&brokerLinkId= pair. Nil means
// the symbol-wide override.
func linkFromQuery(r *http.Request) (*domain.LinkID, error) {
	q := r.URL.Query()
	u, b := q.Get("userId"), q.Get("brokerLinkId")
	if u == "" && b == "" {
		return nil, nil
	}
	userID, ok1 := parseInt64(u)
	brokerLinkID, ok2 := parseInt64(b)
	if !ok1 || !ok2 || userID <= 0 || brokerLinkID <= 0 {
		return nil, errBadLink
	}
	return &domain.LinkID{UserID: userID, BrokerLinkID: brokerLinkID}, nil
}

func symbolFromPath(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("symbol"))
}

func (s *Server) handleGetGlobal(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Global())
}

func (s *Server) handlePutGlobal(w http.ResponseWriter, r *http.Request) {
	var cfg domain.MTFConfig
	if err := decodeBody(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	stored, err := s.config.ReplaceGlobal(r.Context(), cfg)
	if err != nil {
		s.writeConfigError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	overrides := s.config.Overrides()
	out := make([]overrideView, 0, len(overrides))
	for _, o := range overrides {
		out = append(out, viewOf(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	link, err := linkFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	o, err := s.config.Override(symbolFromPath(r), link)
	if err != nil {
		s.writeConfigError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(o))
}

func (s *Server) handlePutOverride(w http.ResponseWriter, r *http.Request) {
	link, err := linkFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var o domain.MTFOverride
	if err := decodeBody(w, r, &o); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	o.Symbol = symbolFromPath(r)
	o.Link = link

	stored, err := s.config.PutOverride(r.Context(), o)
	if err != nil {
		s.writeConfigError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(stored))
}

func (s *Server) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	link, err := linkFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.config.DeleteOverride(r.Context(), symbolFromPath(r), link); err != nil {
		s.writeConfigError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolved(w http.ResponseWriter, r *http.Request) {
	link, err := linkFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.config.Resolve(symbolFromPath(r), link))
}
