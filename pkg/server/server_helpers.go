package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/orneryd/tierstore/pkg/config"
	"github.com/orneryd/tierstore/pkg/conflict"
	"github.com/orneryd/tierstore/pkg/knowledge"
	"github.com/orneryd/tierstore/pkg/storage"
	"github.com/orneryd/tierstore/pkg/tiering"
)

// =============================================================================
// Helper Functions
// =============================================================================

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return defaultVal
	}
	return val
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// JSON helpers

func (s *Server) readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     bool               `json:"error"`
	Message   string             `json:"message"`
	Code      int                `json:"code"`
	Retryable bool               `json:"retryable,omitempty"`
	Receipt   *knowledge.Receipt `json:"receipt,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	s.errorCount.Add(1)
	s.writeJSON(w, status, ErrorResponse{
		Error:     true,
		Message:   message,
		Code:      status,
		Retryable: err != nil && knowledge.IsRetryable(err),
	})
}

// writeStoreError maps a store error to its status code.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	s.writeError(w, statusForError(err), err.Error(), err)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, knowledge.ErrInvalidMutation),
		errors.Is(err, storage.ErrInvalidID),
		errors.Is(err, storage.ErrInvalidData),
		errors.Is(err, tiering.ErrInvalidSchedule),
		errors.Is(err, config.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, knowledge.ErrNotFound),
		errors.Is(err, conflict.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, knowledge.ErrVersionConflict),
		errors.Is(err, knowledge.ErrStaleConflict),
		errors.Is(err, conflict.ErrNotPending),
		errors.Is(err, tiering.ErrSweepInProgress):
		return http.StatusConflict
	case errors.Is(err, knowledge.ErrPersistence),
		errors.Is(err, knowledge.ErrClosed),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// receiptStatus maps a gate decision to its status code.
func receiptStatus(r knowledge.Receipt) int {
	switch r.Status {
	case knowledge.StatusCommitted:
		return http.StatusOK
	case knowledge.StatusPendingReview:
		return http.StatusAccepted
	}
	return http.StatusUnprocessableEntity
}
