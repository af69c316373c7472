package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/blackshrub/faithtracker/internal/models"
	"github.com/blackshrub/faithtracker/internal/scheduler"
	"github.com/blackshrub/faithtracker/internal/store"
	"github.com/blackshrub/faithtracker/internal/telemetry"
)

// JobRunner triggers a named job through the same lease gate the tick loop
// uses.
type JobRunner interface {
	RunNow(ctx context.Context, jobName string) (scheduler.Stats, error)
	JobNames() []string
}

// TimelineService covers care-event creation and manual stage transitions.
type TimelineService interface {
	CreateForEvent(ctx context.Context, tn models.Tenant, ev models.CareEvent) (models.CareEvent, []models.Stage, error)
	CompleteStage(ctx context.Context, stageID, actorID string) (models.Stage, error)
	IgnoreStage(ctx context.Context, stageID, actorID string) (models.Stage, error)
}

// DataStore is the slice of the store the API reads and writes directly.
type DataStore interface {
	GetTenant(ctx context.Context, tenantID string) (models.Tenant, error)
	MarkMemberDirty(ctx context.Context, tenantID, externalRef string, now time.Time) error
	GetSyncCursor(ctx context.Context, tenantID string) (models.SyncCursor, bool, error)
	ListEngagementSnapshots(ctx context.Context, tenantID string) ([]models.EngagementSnapshot, error)
}

// SyncQueue enqueues member refs for targeted reconciliation.
type SyncQueue interface {
	Push(ctx context.Context, tenantID, externalRef string) error
}

// Limiter gates webhook ingestion per tenant.
type Limiter interface {
	Allow(ctx context.Context, tenantID string) (bool, error)
}

// Server wires the HTTP handlers for the operations API.
type Server struct {
	jobs      JobRunner
	timelines TimelineService
	store     DataStore
	queue     SyncQueue
	limiter   Limiter
	log       zerolog.Logger
}

func New(jobs JobRunner, timelines TimelineService, st DataStore, q SyncQueue, limiter Limiter, log zerolog.Logger) *Server {
	return &Server{
		jobs:      jobs,
		timelines: timelines,
		store:     st,
		queue:     q,
		limiter:   limiter,
		log:       log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs/{name}/run", s.handleRunJob)
	r.Post("/webhooks/member-sync", s.handleMemberWebhook)
	r.Post("/care-events", s.handleCreateCareEvent)
	r.Post("/timelines/stages/{id}/complete", s.handleStageTransition(models.StageCompleted))
	r.Post("/timelines/stages/{id}/ignore", s.handleStageTransition(models.StageIgnored))
	r.Get("/tenants/{tenant}/sync-cursor", s.handleGetSyncCursor)
	r.Get("/tenants/{tenant}/engagement", s.handleListEngagement)
	return r
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stats, err := s.jobs.RunNow(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	case errors.Is(err, scheduler.ErrContended):
		http.Error(w, "job is running elsewhere", http.StatusConflict)
		return
	case err != nil:
		s.log.Error().Err(err).Str("job", name).Msg("manual run failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"job":   name,
			"error": err.Error(),
			"stats": stats,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "stats": stats})
}

type memberWebhookRequest struct {
	MemberRef string `json:"member_ref"`
}

// handleMemberWebhook is the upstream directory's change notification:
// flag the member dirty and enqueue a targeted reconcile. The actual data
// pull happens in the targeted sync job, so the webhook stays cheap.
func (s *Server) handleMemberWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		http.Error(w, "X-Tenant-ID header is required", http.StatusBadRequest)
		return
	}

	allowed, err := s.limiter.Allow(r.Context(), tenantID)
	if err != nil {
		s.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("rate limit check failed")
		http.Error(w, "rate limit unavailable", http.StatusInternalServerError)
		return
	}
	if !allowed {
		telemetry.WebhookRateLimited.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	var req memberWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.MemberRef == "" {
		http.Error(w, "member_ref is required", http.StatusBadRequest)
		return
	}

	if err := s.store.MarkMemberDirty(r.Context(), tenantID, req.MemberRef, time.Now()); err != nil {
		s.log.Error().Err(err).Str("tenant_id", tenantID).Msg("mark dirty failed")
		http.Error(w, "failed to flag member", http.StatusInternalServerError)
		return
	}
	if err := s.queue.Push(r.Context(), tenantID, req.MemberRef); err != nil {
		s.log.Error().Err(err).Str("tenant_id", tenantID).Msg("targeted enqueue failed")
		http.Error(w, "failed to enqueue reconcile", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type createCareEventRequest struct {
	MemberID   string    `json:"member_id"`
	Category   string    `json:"category"`
	OccurredAt time.Time `json:"occurred_at"`
	RecordedBy string    `json:"recorded_by"`
	Note       string    `json:"note"`
}

type createCareEventResponse struct {
	Event  models.CareEvent `json:"event"`
	Stages []models.Stage   `json:"stages"`
}

func (s *Server) handleCreateCareEvent(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		http.Error(w, "X-Tenant-ID header is required", http.StatusBadRequest)
		return
	}
	var req createCareEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.MemberID == "" || req.Category == "" || req.OccurredAt.IsZero() {
		http.Error(w, "member_id, category and occurred_at are required", http.StatusBadRequest)
		return
	}

	tn, err := s.store.GetTenant(r.Context(), tenantID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown tenant", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("tenant_id", tenantID).Msg("tenant lookup failed")
		http.Error(w, "tenant lookup failed", http.StatusInternalServerError)
		return
	}

	ev, stages, err := s.timelines.CreateForEvent(r.Context(), tn, models.CareEvent{
		TenantID:   tenantID,
		MemberID:   req.MemberID,
		Category:   req.Category,
		OccurredAt: req.OccurredAt,
		RecordedBy: req.RecordedBy,
		Note:       req.Note,
	})
	if err != nil {
		s.log.Error().Err(err).Str("tenant_id", tenantID).Msg("care event creation failed")
		http.Error(w, "failed to record care event", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, createCareEventResponse{Event: ev, Stages: stages})
}

type stageTransitionRequest struct {
	ActorID string `json:"actor_id"`
}

func (s *Server) handleStageTransition(target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stageID := chi.URLParam(r, "id")
		var req stageTransitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.ActorID == "" {
			http.Error(w, "actor_id is required", http.StatusBadRequest)
			return
		}

		var (
			stage models.Stage
			err   error
		)
		if target == models.StageCompleted {
			stage, err = s.timelines.CompleteStage(r.Context(), stageID, req.ActorID)
		} else {
			stage, err = s.timelines.IgnoreStage(r.Context(), stageID, req.ActorID)
		}
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "stage not found", http.StatusNotFound)
			return
		case errors.Is(err, store.ErrStageFinal):
			http.Error(w, "stage already finalized", http.StatusConflict)
			return
		case err != nil:
			s.log.Error().Err(err).Str("stage_id", stageID).Msg("stage transition failed")
			http.Error(w, "stage transition failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stage)
	}
}

func (s *Server) handleGetSyncCursor(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	cursor, found, err := s.store.GetSyncCursor(r.Context(), tenantID)
	if err != nil {
		s.log.Error().Err(err).Str("tenant_id", tenantID).Msg("sync cursor lookup failed")
		http.Error(w, "cursor lookup failed", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "no sync recorded for tenant", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cursor)
}

func (s *Server) handleListEngagement(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	snaps, err := s.store.ListEngagementSnapshots(r.Context(), tenantID)
	if err != nil {
		s.log.Error().Err(err).Str("tenant_id", tenantID).Msg("engagement listing failed")
		http.Error(w, "engagement listing failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
