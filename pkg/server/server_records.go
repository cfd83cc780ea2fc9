package server

import (
	"net/http"

	"github.com/orneryd/tierstore/pkg/knowledge"
	"github.com/orneryd/tierstore/pkg/storage"
)

// =============================================================================
// Record Handlers
// =============================================================================

// handlePropose runs a mutation through the trust gate.
//
//	POST /v1/mutations
//	{"key":"doc:42","kind":"DOCUMENT","claims":[{"id":"text","field":"text","value":"..."}]}
//
// The caller identity defaults to the X-Caller-ID header.
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var m storage.Mutation
	if err := s.readJSON(r, &m); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), err)
		return
	}
	kind, err := storage.ParseKind(string(m.Kind))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), err)
		return
	}
	m.Kind = kind
	if m.Caller.ID == "" {
		m.Caller.ID = r.Header.Get("X-Caller-ID")
	}
	if m.Caller.Source == "" {
		m.Caller.Source = "http:" + getClientIP(r)
	}

	receipt, err := s.store.ProposeMutation(r.Context(), &m)
	if err != nil {
		s.errorCount.Add(1)
		status := statusForError(err)
		s.writeJSON(w, status, ErrorResponse{
			Error:     true,
			Message:   err.Error(),
			Code:      status,
			Retryable: knowledge.IsRetryable(err),
			Receipt:   &receipt,
		})
		return
	}
	s.writeJSON(w, receiptStatus(receipt), receipt)
}

// handleFetchRecord returns the read projection of one record.
func (s *Server) handleFetchRecord(w http.ResponseWriter, r *http.Request) {
	view, err := s.store.FetchRecord(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// MoveTierRequest is the body of POST /v1/records/{key}/tier.
type MoveTierRequest struct {
	Tier   string `json:"tier"`
	Reason string `json:"reason,omitempty"`
}

// MoveTierResponse reports whether the record changed tier.
type MoveTierResponse struct {
	Key   string       `json:"key"`
	Tier  storage.Tier `json:"tier"`
	Moved bool         `json:"moved"`
}

func (s *Server) handleMoveTier(w http.ResponseWriter, r *http.Request) {
	var req MoveTierRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), err)
		return
	}
	tier, err := storage.ParseTier(req.Tier)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), err)
		return
	}
	key := r.PathValue("key")
	reason := req.Reason
	if reason == "" {
		reason = "http request from " + getClientIP(r)
	}
	moved, err := s.store.MoveTier(r.Context(), key, tier, reason)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, MoveTierResponse{Key: key, Tier: tier, Moved: moved})
}

// handleFetchByTier returns one page of a tier listing.
//
//	GET /v1/tiers/WARM?cursor=doc:41&limit=50
func (s *Server) handleFetchByTier(w http.ResponseWriter, r *http.Request) {
	tier, err := storage.ParseTier(r.PathValue("tier"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), err)
		return
	}
	limit := parseIntQuery(r, "limit", knowledge.DefaultPageSize)
	if limit > 1000 {
		limit = 1000
	}
	page, err := s.store.FetchByTier(r.Context(), tier, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}
