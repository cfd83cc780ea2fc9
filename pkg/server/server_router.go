package server

import (
	"net/http"
)

// =============================================================================
// Router Setup
// =============================================================================

func (s *Server) buildRouter() http.Handler {
	mux := http.NewServeMux()

	s.registerHealthRoutes(mux)
	s.registerRecordRoutes(mux)
	s.registerConflictRoutes(mux)
	s.registerAdminRoutes(mux)

	return s.wrapWithMiddleware(mux)
}

func (s *Server) registerHealthRoutes(mux *http.ServeMux) {
	// Health check stays outside rate limiting for probes
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
}

func (s *Server) registerRecordRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/mutations", s.handlePropose)
	mux.HandleFunc("GET /v1/records/{key}", s.handleFetchRecord)
	mux.HandleFunc("POST /v1/records/{key}/tier", s.handleMoveTier)
	mux.HandleFunc("GET /v1/tiers/{tier}", s.handleFetchByTier)
}

func (s *Server) registerConflictRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/conflicts", s.handleListConflicts)
	mux.HandleFunc("GET /v1/conflicts/{id}", s.handleGetConflict)
	mux.HandleFunc("POST /v1/conflicts/{id}/approve", s.handleApproveConflict)
	mux.HandleFunc("POST /v1/conflicts/{id}/discard", s.handleDiscardConflict)
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/admin/sweep", s.handleSweep)
	mux.HandleFunc("POST /v1/admin/reload", s.handleReload)
}

func (s *Server) wrapWithMiddleware(next http.Handler) http.Handler {
	// Outermost runs first
	handler := s.bodyLimitMiddleware(next)
	handler = s.rateLimitMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	handler = s.metricsMiddleware(handler)
	return handler
}
