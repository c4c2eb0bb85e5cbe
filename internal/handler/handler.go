package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ajaybenii/test-system-backend/internal/apply"
	"github.com/ajaybenii/test-system-backend/internal/i18n"
	"github.com/ajaybenii/test-system-backend/internal/metrics"
	"github.com/ajaybenii/test-system-backend/internal/model"
	"github.com/ajaybenii/test-system-backend/internal/store"
)

const maxBodyBytes = 64 << 10

// SummaryReader serves the read path, possibly through a cache.
type SummaryReader interface {
	GetSummary(ctx context.Context, attemptID string) (model.AttemptSummary, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	applier   *apply.Applier
	events    store.EventLog
	summaries SummaryReader
	health    Pinger
}

// New creates a new Handler.
func New(a *apply.Applier, events store.EventLog, summaries SummaryReader, health Pinger) *Handler {
	return &Handler{applier: a, events: events, summaries: summaries, health: health}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/attempts/{attemptID}", func(r chi.Router) {
		r.Get("/", h.handleGetAttempt)
		r.Post("/events", h.handleSubmitEvent)
		r.Get("/events", h.handleListEvents)
		r.Post("/reconcile", h.handleReconcile)
	})
	r.Get("/analytics/attempts/{attemptID}", h.handleAnalytics)
}

type eventRequest struct {
	Question  string  `json:"question"`
	Answer    *string `json:"answer"`
	Timestamp string  `json:"timestamp"`
}

type eventResponse struct {
	Status  string `json:"status"`
	Latest  *bool  `json:"latest,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

func (h *Handler) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "attemptID")
	evt, err := decodeEvent(w, r, attemptID)
	if err != nil {
		writeError(w, http.StatusBadRequest, i18n.Td(r.Context(), "InvalidRequest", map[string]any{"Reason": err.Error()}))
		return
	}

	outcome, err := h.applier.Apply(r.Context(), evt)
	if err != nil {
		h.storageError(w, r, "apply event", err)
		return
	}

	var resp eventResponse
	switch outcome {
	case model.AppliedNew:
		resp = eventResponse{Status: "processed", Latest: boolPtr(true), Message: i18n.T(r.Context(), "EventRecorded")}
	case model.AppliedStale:
		resp = eventResponse{Status: "processed", Latest: boolPtr(false), Reason: "older_event", Message: i18n.T(r.Context(), "EventSuperseded")}
	default:
		resp = eventResponse{Status: "ignored", Reason: "duplicate_event", Message: i18n.T(r.Context(), "EventDuplicate")}
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeEvent(w http.ResponseWriter, r *http.Request, attemptID string) (model.Event, error) {
	if strings.TrimSpace(attemptID) == "" {
		return model.Event{}, errors.New("attempt id is required")
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	var req eventRequest
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.Event{}, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
		}
		return model.Event{}, fmt.Errorf("malformed body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return model.Event{}, errors.New("body must contain a single JSON object")
	}

	if strings.TrimSpace(req.Question) == "" {
		return model.Event{}, errors.New("question is required")
	}
	if req.Answer == nil {
		return model.Event{}, errors.New("answer is required")
	}
	ts, err := time.Parse(time.RFC3339Nano, req.Timestamp)
	if err != nil {
		return model.Event{}, fmt.Errorf("timestamp must be RFC3339: %q", req.Timestamp)
	}
	return model.NewEvent(attemptID, req.Question, *req.Answer, ts), nil
}

type attemptResponse struct {
	AttemptID   string            `json:"attempt_id"`
	Answers     map[string]string `json:"answers"`
	TotalScore  int               `json:"total_score"`
	LastUpdated time.Time         `json:"last_updated"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "attemptID")
	summary, err := h.summaries.GetSummary(r.Context(), attemptID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, i18n.Td(r.Context(), "AttemptNotFound", map[string]any{"AttemptID": attemptID}))
		return
	}
	if err != nil {
		h.storageError(w, r, "get attempt", err)
		return
	}

	writeJSON(w, http.StatusOK, attemptResponse{
		AttemptID:   summary.AttemptID,
		Answers:     summary.Answers,
		TotalScore:  summary.TotalScore(),
		LastUpdated: summary.LastUpdated,
		CreatedAt:   summary.CreatedAt,
	})
}

type analyticsResponse struct {
	AttemptID         string               `json:"attempt_id"`
	TotalScore        int                  `json:"total_score"`
	QuestionsAnswered int                  `json:"questions_answered"`
	QuestionUpdates   map[string]time.Time `json:"question_updates"`
	EventCounts       map[string]int       `json:"event_counts"`
	Summary           string               `json:"summary"`
}

// handleAnalytics reads the event log directly. An attempt with no events
// yields empty analytics, not 404.
func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "attemptID")
	stats, err := h.events.QuestionStats(r.Context(), attemptID)
	if err != nil {
		h.storageError(w, r, "question stats", err)
		return
	}

	totalScore := 0
	summary, err := h.summaries.GetSummary(r.Context(), attemptID)
	switch {
	case err == nil:
		totalScore = summary.TotalScore()
	case !errors.Is(err, store.ErrNotFound):
		h.storageError(w, r, "get attempt", err)
		return
	}

	resp := analyticsResponse{
		AttemptID:         attemptID,
		TotalScore:        totalScore,
		QuestionsAnswered: len(stats),
		QuestionUpdates:   make(map[string]time.Time, len(stats)),
		EventCounts:       make(map[string]int, len(stats)),
		Summary:           i18n.Tp(r.Context(), "QuestionsAnswered", len(stats)),
	}
	for _, st := range stats {
		resp.QuestionUpdates[st.Question] = st.LastUpdated
		resp.EventCounts[st.Question] = st.EventCount
	}
	writeJSON(w, http.StatusOK, resp)
}

type eventView struct {
	EventKey   string    `json:"event_key"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "attemptID")
	events, err := h.events.ListEvents(r.Context(), attemptID)
	if err != nil {
		h.storageError(w, r, "list events", err)
		return
	}

	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{
			EventKey:   e.EventKey,
			Question:   e.Question,
			Answer:     e.Answer,
			Timestamp:  e.Timestamp,
			ReceivedAt: e.ReceivedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"attempt_id": attemptID,
		"events":     out,
	})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "attemptID")
	merged, err := h.applier.Reconcile(r.Context(), attemptID)
	if err != nil {
		h.storageError(w, r, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"attempt_id": attemptID,
		"merged":     merged,
		"message":    i18n.Tp(r.Context(), "AnswersReconciled", merged),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.health.Ping(r.Context()); err != nil {
		slog.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// storageError maps a storage failure to 504 on deadline and 500 otherwise.
func (h *Handler) storageError(w http.ResponseWriter, r *http.Request, op string, err error) {
	slog.Error(op+" failed", "path", r.URL.Path, "error", err)
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, i18n.T(r.Context(), "RequestTimeout"))
		return
	}
	writeError(w, http.StatusInternalServerError, i18n.T(r.Context(), "StorageUnavailable"))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func boolPtr(b bool) *bool { return &b }
