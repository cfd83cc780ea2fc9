package server

import (
	"fmt"
	"net/http"

	"github.com/orneryd/tierstore/pkg/storage"
)

// =============================================================================
// Conflict Review Handlers
// =============================================================================

// ReviewRequest is the body of the approve and discard endpoints.
type ReviewRequest struct {
	Reviewer string `json:"reviewer"`
}

// ConflictList is the body of GET /v1/conflicts.
type ConflictList struct {
	Conflicts []*storage.ConflictRecord `json:"conflicts"`
	Count     int                       `json:"count"`
}

func parseConflictStatus(raw string) (storage.ConflictStatus, error) {
	switch st := storage.ConflictStatus(raw); st {
	case "", storage.ConflictPending, storage.ConflictApproved, storage.ConflictDiscarded, storage.ConflictLogged:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown conflict status %q", storage.ErrInvalidData, raw)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	status, err := parseConflictStatus(r.URL.Query().Get("status"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	list, err := s.store.Conflicts(r.Context(), status)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ConflictList{Conflicts: list, Count: len(list)})
}

func (s *Server) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.Conflict(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

// reviewer reads the reviewer from the body, falling back to the
// X-Caller-ID header.
func (s *Server) reviewer(r *http.Request) (string, error) {
	var req ReviewRequest
	if r.ContentLength != 0 {
		if err := s.readJSON(r, &req); err != nil {
			return "", err
		}
	}
	if req.Reviewer == "" {
		req.Reviewer = r.Header.Get("X-Caller-ID")
	}
	if req.Reviewer == "" {
		return "", fmt.Errorf("%w: reviewer required", storage.ErrInvalidData)
	}
	return req.Reviewer, nil
}

func (s *Server) handleApproveConflict(w http.ResponseWriter, r *http.Request) {
	reviewer, err := s.reviewer(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), err)
		return
	}
	receipt, err := s.store.ApproveConflict(r.Context(), r.PathValue("id"), reviewer)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleDiscardConflict(w http.ResponseWriter, r *http.Request) {
	reviewer, err := s.reviewer(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), err)
		return
	}
	c, err := s.store.DiscardConflict(r.Context(), r.PathValue("id"), reviewer)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}
