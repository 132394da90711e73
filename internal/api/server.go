package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"call-lead-pipeline/internal/config"
	"call-lead-pipeline/internal/logger"
	"call-lead-pipeline/internal/models"
	"call-lead-pipeline/internal/ratelimit"
	"call-lead-pipeline/internal/store"
	"call-lead-pipeline/internal/telemetry"
)

// Store is the slice of the persistence surface the API needs.
type Store interface {
	CreateCall(ctx context.Context, userID, phone string, recordingURL *string) (models.CallRecord, error)
	SetRecordingURL(ctx context.Context, id, url string) error
	GetCall(ctx context.Context, id string) (models.CallRecord, error)
}

// Dispatcher hands calls to the worker.
type Dispatcher interface {
	Enqueue(ctx context.Context, callID string, runAt time.Time) error
	Ping(ctx context.Context) error
}

// Server wires the ingestion API: call creation, the recording webhook,
// operator reprocessing, and read access.
type Server struct {
	cfg      config.Config
	store    Store
	dispatch Dispatcher
	limiter  *ratelimit.TokenBucket
	log      *logger.Logger
}

func New(cfg config.Config, st Store, d Dispatcher, limiter *ratelimit.TokenBucket, log *logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		dispatch: d,
		limiter:  limiter,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/calls", s.handleCreateCall)
	r.Get("/calls/{id}", s.handleGetCall)
	r.Post("/calls/{id}/process", s.handleReprocess)
	r.Post("/webhooks/recording", s.handleRecordingWebhook)
	return r
}

type createCallRequest struct {
	UserID       string `json:"user_id"`
	PhoneNumber  string `json:"phone_number"`
	RecordingURL string `json:"recording_url"`
	DelaySeconds int    `json:"delay_seconds"`
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.PhoneNumber == "" {
		http.Error(w, "user_id and phone_number are required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:calls:%s", req.UserID))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var recordingURL *string
	if req.RecordingURL != "" {
		recordingURL = &req.RecordingURL
	}
	call, err := s.store.CreateCall(r.Context(), req.UserID, req.PhoneNumber, recordingURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	runAt := time.Now()
	if req.DelaySeconds > 0 {
		runAt = runAt.Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	if err := s.dispatch.Enqueue(r.Context(), call.ID, runAt); err != nil {
		// The row exists; an operator nudge can re-dispatch it later.
		s.log.WithRequest(r).WithField("call_id", call.ID).
			WithField("error", err.Error()).Error("dispatch after create failed")
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()

	writeJSON(w, http.StatusAccepted, call)
}

type recordingWebhookRequest struct {
	CallID       string `json:"call_id"`
	RecordingURL string `json:"recording_url"`
}

// handleRecordingWebhook receives the recording locator from the telephony
// provider, usually seconds after the call row was created. Dispatching
// again here is what unblocks a worker whose bounded recording wait would
// otherwise expire. It is harmless when the worker is already polling,
// since the dispatch channel absorbs duplicates.
func (s *Server) handleRecordingWebhook(w http.ResponseWriter, r *http.Request) {
	var req recordingWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.CallID == "" || req.RecordingURL == "" {
		http.Error(w, "call_id and recording_url are required", http.StatusBadRequest)
		return
	}

	if err := s.store.SetRecordingURL(r.Context(), req.CallID, req.RecordingURL); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.dispatch.Enqueue(r.Context(), req.CallID, time.Now()); err != nil {
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleReprocess re-dispatches a call, the operator path for rows stuck in
// "failed". The stage claims decide whether anything actually reruns, so
// nudging a completed or in-flight call is safe.
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetCall(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.dispatch.Enqueue(r.Context(), id, time.Now()); err != nil {
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	call, err := s.store.GetCall(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatch.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithRequest(r).WithField("duration_ms", time.Since(start).Milliseconds()).Debug("request handled")
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
