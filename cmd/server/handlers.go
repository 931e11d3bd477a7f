package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/recordsync/recordsync/internal/audit"
	"github.com/recordsync/recordsync/internal/auth"
	"github.com/recordsync/recordsync/internal/models"
	"github.com/recordsync/recordsync/internal/repositories"
	"github.com/recordsync/recordsync/internal/services"
	"github.com/recordsync/recordsync/internal/syncerrors"
)

type server struct {
	sync      *services.SyncService
	trail     *audit.TrailManager
	tokens    *auth.SessionTokenService
	auditRepo repositories.AuditRepository
	retention time.Duration
	logger    *slog.Logger
}

type contextKey string

const claimsKey contextKey = "claims"

func (s *server) routes(r chi.Router) {
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.handleStartSession)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Delete("/sessions", s.handleEndSession)

			r.Post("/records/bulk", s.handleBulkUpdate)
			r.Post("/records/{recordID}", s.handleRecordUpdate)
			r.Post("/records/{recordID}/view", s.handleRecordView)

			r.Post("/connections", s.handleConnect)
			r.Post("/connections/{connectionID}/heartbeat", s.handleHeartbeat)
			r.Delete("/connections/{connectionID}", s.handleDisconnect)

			r.Get("/sync/status", s.handleSyncStatus)
			r.Get("/sync/metrics", s.handleErrorMetrics)
			r.Post("/sync/degradation", s.handleTriggerDegradation)
			r.Post("/sync/degradation/recover", s.handleRecoverDegradation)

			r.Get("/audit/events", s.handleQueryAudit)
			r.Get("/audit/report", s.handleAuditReport)
			r.Get("/audit/sessions", s.handleSessionReport)
			r.Post("/audit/cleanup", s.handleAuditCleanup)
		})
	})
}

// requireAuth verifies the bearer token and stashes its claims in the request
// context.
func (s *server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := s.tokens.VerifyToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(r *http.Request) *auth.TokenClaims {
	claims, _ := r.Context().Value(claimsKey).(*auth.TokenClaims)
	return claims
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID, err := s.trail.StartUserSession(r.Context(), req.UserID, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, expiresAt, err := s.tokens.IssueToken(req.UserID, sessionID)
	if err != nil {
		s.logger.Error("failed to issue token", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sessionID,
		"token":      token,
		"expires_at": expiresAt,
	})
}

func (s *server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if err := s.trail.EndUserSession(r.Context(), claims.SessionID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRecordUpdate(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordID")
	claims := claimsFrom(r)

	var req struct {
		Data    map[string]any `json:"data"`
		Version int64          `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	event, err := s.sync.HandleRecordUpdate(r.Context(), recordID, req.Data, claims.UserID, req.Version)
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *server) handleRecordView(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordID")
	claims := claimsFrom(r)

	if err := s.trail.LogRecordView(r.Context(), claims.UserID, recordID, claims.SessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record view")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req struct {
		Updates []services.RecordUpdate `json:"updates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.sync.HandleBulkUpdate(r.Context(), req.Updates, claims.UserID)
	if err != nil && result == nil {
		s.writeSyncError(w, err)
		return
	}
	// Partial failure still returns the per-entry outcome.
	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, result)
}

func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req struct {
		Subscriptions []string `json:"subscriptions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conn, err := s.sync.HandleClientConnect(r.Context(), claims.UserID, req.Subscriptions)
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !s.sync.HandleClientHeartbeat(r.Context(), chi.URLParam(r, "connectionID")) {
		writeError(w, http.StatusNotFound, "unknown connection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.sync.HandleClientDisconnect(r.Context(), chi.URLParam(r, "connectionID"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"degradation": s.sync.GetDegradationStatus(),
		"buffers":     s.sync.GetBufferStats(),
	})
}

func (s *server) handleErrorMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sync.GetErrorMetrics())
}

func (s *server) handleTriggerDegradation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.sync.TriggerManualDegradation(req.Reason)
	writeJSON(w, http.StatusOK, s.sync.GetDegradationStatus())
}

func (s *server) handleRecoverDegradation(w http.ResponseWriter, r *http.Request) {
	recovered := s.sync.RecoverFromDegradation()
	writeJSON(w, http.StatusOK, map[string]any{
		"recovered": recovered,
		"status":    s.sync.GetDegradationStatus(),
	})
}

func (s *server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.auditRepo.QueryAuditEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *server) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	var err error
	if v := r.URL.Query().Get("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid start time")
			return
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid end time")
			return
		}
	}
	groupBy := r.URL.Query().Get("group_by")
	if groupBy == "" {
		groupBy = "event_type"
	}

	report, err := s.auditRepo.GenerateAuditReport(r.Context(), start, end, groupBy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleSessionReport(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid hours")
			return
		}
		hours = n
	}

	report, err := s.trail.GetSessionActivityReport(r.Context(), hours)
	if err != nil {
		s.logger.Error("session report failed", "error", err)
		writeError(w, http.StatusInternalServerError, "session report failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleAuditCleanup(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	cutoff := time.Now().UTC().Add(-s.retention)

	result, err := s.auditRepo.CleanupOldEvents(r.Context(), cutoff, dryRun)
	if err != nil {
		s.logger.Error("audit cleanup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func auditFilterFromQuery(r *http.Request) (repositories.AuditFilter, error) {
	q := r.URL.Query()
	filter := repositories.AuditFilter{
		UserID:       q.Get("user_id"),
		ConnectionID: q.Get("connection_id"),
		SessionID:    q.Get("session_id"),
	}
	for _, raw := range q["event_type"] {
		filter.EventTypes = append(filter.EventTypes, models.AuditEventType(raw))
	}
	if v := q.Get("start"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, err
		}
		filter.StartTime = &ts
	}
	if v := q.Get("end"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, err
		}
		filter.EndTime = &ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, err
		}
		filter.Limit = n
	}
	return filter, nil
}

// writeSyncError maps the error taxonomy onto HTTP status codes.
func (s *server) writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case syncerrors.IsDataIntegrity(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case syncerrors.IsVersionConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	case syncerrors.IsUnavailable(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case syncerrors.IsBroadcast(err):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
