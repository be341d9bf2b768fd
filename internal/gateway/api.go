// ABOUTME: HTTP API handlers for bundle ingestion, tracking and decision inspection
// ABOUTME: Provides POST /api/bundles, operator notices and read-only views over decisions, index and audit

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/callwatch/internal/evidence"
	"github.com/2389/callwatch/internal/notify"
	"github.com/2389/callwatch/internal/pipeline"
	"github.com/2389/callwatch/internal/store"
)

// maxBundleBytes bounds a single ingestion request body.
const maxBundleBytes = 4 << 20

// EnqueueResponse is the JSON response for POST /api/bundles.
type EnqueueResponse struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`
}

// TrackRequest is the JSON request body for POST /api/tracking.
type TrackRequest struct {
	SubjectID     string  `json:"subject_id"`
	ObserverID    string  `json:"observer_id"`
	BaselineValue float64 `json:"baseline_value"`
}

// DecisionResponse is the JSON response for GET /api/decisions.
type DecisionResponse struct {
	SubjectID        string               `json:"subject_id"`
	ObserverID       string               `json:"observer_id"`
	Status           string               `json:"status"`
	LastDecisionTime string               `json:"last_decision_time"`
	EvidenceSeen     []string             `json:"evidence_seen"`
	EvidenceSeenAt   map[string]time.Time `json:"evidence_seen_at,omitempty"`
	ExpiresAt        string               `json:"expires_at,omitempty"`
	Degraded         bool                 `json:"degraded,omitempty"`
}

// IndexResponse is the JSON response for GET /api/index.
type IndexResponse struct {
	SubjectID string   `json:"subject_id"`
	Observers []string `json:"observers"`
}

// AuditResponse is one entry of GET /api/audit.
type AuditResponse struct {
	ID         string   `json:"id"`
	Status     string   `json:"status"`
	Written    bool     `json:"written"`
	Notified   bool     `json:"notified"`
	NewSources []string `json:"new_sources"`
	Timestamp  string   `json:"timestamp"`
}

// NoticeRequest is the JSON request body for POST /api/notices.
type NoticeRequest struct {
	ObserverIDs []string `json:"observer_ids"`
	SubjectID   string   `json:"subject_id,omitempty"`
	Message     string   `json:"message"`
}

// NoticeResponse reports which observers a notice reached.
type NoticeResponse struct {
	Sent   []string `json:"sent"`
	Failed []string `json:"failed,omitempty"`
}

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	Pipeline       pipeline.Stats `json:"pipeline"`
	TrackedPairs   int            `json:"tracked_pairs"`
	LiveLimiters   int            `json:"live_limiters"`
	StreamClients  int            `json:"stream_clients"`
	TrackingActive bool           `json:"tracking_active"`
}

// registerAPIRoutes registers the JSON API and notification streams.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/bundles", g.handleBundles)
	mux.HandleFunc("/api/tracking", g.handleTracking)
	mux.HandleFunc("/api/decisions", g.handleDecision)
	mux.HandleFunc("/api/index", g.handleIndex)
	mux.HandleFunc("/api/audit", g.handleAudit)
	mux.HandleFunc("/api/observers", g.handleObservers)
	mux.HandleFunc("/api/stats", g.handleStats)
	mux.HandleFunc("/api/notices", g.handleNotice)
	mux.HandleFunc("/api/notifications/stream", g.handleNotificationStream)
	mux.HandleFunc("/api/notifications/ws", g.handleNotificationSocket)
}

// handleBundles handles POST /api/bundles.
// It answers 202 once the bundle is queued, 429 when the queue is full in
// reject mode and 503 while shutting down.
func (g *Gateway) handleBundles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var b evidence.Bundle
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBundleBytes)).Decode(&b); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := g.pipeline.Enqueue(r.Context(), &b)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		g.sendJSONError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, pipeline.ErrClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	case r.Context().Err() != nil:
		// client went away while we were blocked on a full queue
		g.sendJSONError(w, http.StatusServiceUnavailable, "request cancelled")
		return
	default:
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.sendJSON(w, http.StatusAccepted, EnqueueResponse{ID: b.ID, SubjectID: b.SubjectID})
}

// handleTracking handles POST /api/tracking.
func (g *Gateway) handleTracking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.tracker == nil {
		g.sendJSONError(w, http.StatusNotFound, "tracking is disabled")
		return
	}

	var req TrackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBundleBytes)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	entry := &store.TrackingEntry{
		SubjectID:     req.SubjectID,
		ObserverID:    req.ObserverID,
		BaselineValue: req.BaselineValue,
	}
	if err := g.tracker.Track(r.Context(), entry); err != nil {
		g.logger.Warn("track request failed", "subject_id", req.SubjectID, "observer_id", req.ObserverID, "error", err)
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.sendJSON(w, http.StatusCreated, req)
}

// handleNotice handles POST /api/notices. Notices skip each observer's own
// rate limit but still count against the global one.
func (g *Gateway) handleNotice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req NoticeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBundleBytes)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" || len(req.ObserverIDs) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "message and observer_ids are required")
		return
	}

	resp := NoticeResponse{Sent: []string{}}
	for _, observerID := range req.ObserverIDs {
		if err := g.sendNotice(r.Context(), observerID, req.SubjectID, req.Message); err != nil {
			g.logger.Warn("notice not delivered", "observer_id", observerID, "error", err)
			resp.Failed = append(resp.Failed, observerID)
			continue
		}
		resp.Sent = append(resp.Sent, observerID)
	}

	status := http.StatusOK
	if len(resp.Sent) == 0 {
		status = http.StatusBadGateway
	}
	g.sendJSON(w, status, resp)
}

func (g *Gateway) sendNotice(ctx context.Context, observerID, subjectID, message string) error {
	if err := g.governor.Acquire(ctx, observerID, true); err != nil {
		return fmt.Errorf("waiting for send permit: %w", err)
	}
	n := notify.New(notify.KindNotice, observerID, subjectID)
	n.Message = message
	if err := g.notifier.Notify(ctx, n); err != nil {
		return err
	}
	g.metrics.Notified(string(notify.KindNotice))
	return nil
}

// handleDecision handles GET /api/decisions?subject_id=X&observer_id=Y.
func (g *Gateway) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	subjectID := r.URL.Query().Get("subject_id")
	observerID := r.URL.Query().Get("observer_id")
	if subjectID == "" || observerID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "subject_id and observer_id are required")
		return
	}

	res := g.decisionSvc.Lookup(r.Context(), subjectID, observerID)
	if res.Record == nil {
		if res.Degraded {
			g.sendJSONError(w, http.StatusServiceUnavailable, "decision store unavailable")
			return
		}
		g.sendJSONError(w, http.StatusNotFound, "no decision")
		return
	}

	rec := res.Record
	resp := DecisionResponse{
		SubjectID:        rec.SubjectID,
		ObserverID:       rec.ObserverID,
		Status:           string(rec.Status),
		LastDecisionTime: rec.LastDecisionTime.Format(time.RFC3339Nano),
		EvidenceSeen:     rec.EvidenceSeen,
		EvidenceSeenAt:   rec.EvidenceSeenAt,
		Degraded:         res.Degraded,
	}
	if resp.EvidenceSeen == nil {
		resp.EvidenceSeen = []string{}
	}
	if !rec.ExpiresAt.IsZero() {
		resp.ExpiresAt = rec.ExpiresAt.Format(time.RFC3339)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleIndex handles GET /api/index?subject_id=X.
func (g *Gateway) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	subjectID := r.URL.Query().Get("subject_id")
	if subjectID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "subject_id is required")
		return
	}
	g.sendJSON(w, http.StatusOK, IndexResponse{SubjectID: subjectID, Observers: g.index.Lookup(subjectID)})
}

// handleAudit handles GET /api/audit?subject_id=X&observer_id=Y&limit=N.
func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	subjectID, observerID := q.Get("subject_id"), q.Get("observer_id")
	if subjectID == "" || observerID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "subject_id and observer_id are required")
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := g.sqlite.ListAudit(r.Context(), subjectID, observerID, limit)
	if err != nil {
		g.logger.Error("failed to list audit", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]AuditResponse, 0, len(entries))
	for _, e := range entries {
		sources := e.NewSources
		if sources == nil {
			sources = []string{}
		}
		resp = append(resp, AuditResponse{
			ID:         e.ID,
			Status:     string(e.Status),
			Written:    e.Written,
			Notified:   e.Notified,
			NewSources: sources,
			Timestamp:  e.Timestamp.Format(time.RFC3339Nano),
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleObservers handles GET /api/observers.
func (g *Gateway) handleObservers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ids, err := g.filters.ListObservers(r.Context(), "")
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string][]string{"observers": ids})
}

// handleStats handles GET /api/stats.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g.sendJSON(w, http.StatusOK, StatsResponse{
		Pipeline:       g.pipeline.Stats(),
		TrackedPairs:   g.index.Len(),
		LiveLimiters:   g.governor.Observers(),
		StreamClients:  g.broadcaster.Subscribers(),
		TrackingActive: g.tracker != nil,
	})
}

// sendJSON writes v as a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
