package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"erp-sync-service/internal/logger"
	"erp-sync-service/internal/model"
	"erp-sync-service/internal/store"
	"erp-sync-service/internal/sync"
)

// Triggerer starts passes in the background.
type Triggerer interface {
	Trigger(target string) error
}

// StatusSource reports the state of both directions.
type StatusSource interface {
	Status() map[model.Direction]sync.DirectionStatus
}

// HistorySource lists past passes and recorded conflicts.
type HistorySource interface {
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*store.SyncHistory, error)
	ListConflicts(ctx context.Context, limit, offset int) ([]*store.Conflict, error)
}

type Handler struct {
	triggerer Triggerer
	status    StatusSource
	history   HistorySource
	authToken string
}

func NewHandler(triggerer Triggerer, status StatusSource, history HistorySource, authToken string) *Handler {
	return &Handler{
		triggerer: triggerer,
		status:    status,
		history:   history,
		authToken: authToken,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Post("/sync/{target}", h.TriggerSync)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/history", h.GetSyncHistory)
		r.Get("/conflicts", h.ListConflicts)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	err := h.triggerer.Trigger(target)
	switch {
	case errors.Is(err, sync.ErrPassInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "target": target})
	case errors.Is(err, sync.ErrUnknownTarget):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "target": target})
	}
}

type passView struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Fetched     int       `json:"fetched"`
	Created     int       `json:"created"`
	Updated     int       `json:"updated"`
	Deleted     int       `json:"deleted"`
	Skipped     int       `json:"skipped"`
	Rejected    int       `json:"rejected"`
	Failed      int       `json:"failed"`
	Conflicts   int       `json:"conflicts"`
	Error       string    `json:"error,omitempty"`
}

type directionView struct {
	State   sync.State `json:"state"`
	Status  string     `json:"status"`
	Running bool       `json:"running"`
	Last    *passView  `json:"last,omitempty"`
}

// passStatus folds a direction into one of the persisted sync_state statuses.
func passStatus(st sync.DirectionStatus) string {
	switch {
	case st.Running:
		return store.StatusRunning
	case st.Last != nil:
		return st.Last.Status
	default:
		return store.StatusIdle
	}
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]directionView)
	for dir, st := range h.status.Status() {
		view := directionView{State: st.State, Status: passStatus(st), Running: st.Running}
		if p := st.Last; p != nil {
			view.Last = &passView{
				ID:          p.ID,
				Status:      p.Status,
				StartedAt:   p.StartedAt,
				CompletedAt: p.CompletedAt,
				Fetched:     p.Fetched,
				Created:     p.Created,
				Updated:     p.Updated,
				Deleted:     p.Deleted,
				Skipped:     p.Skipped,
				Rejected:    p.Rejected,
				Failed:      p.Failed,
				Conflicts:   p.Conflicts,
			}
			if p.Err != nil {
				view.Last.Error = p.Err.Error()
			}
		}
		out[string(dir)] = view
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	history, err := h.history.GetSyncHistory(r.Context(), limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	type entry struct {
		ID          string     `json:"id"`
		Direction   string     `json:"direction"`
		Status      string     `json:"status"`
		StartedAt   time.Time  `json:"started_at"`
		CompletedAt *time.Time `json:"completed_at,omitempty"`
		Created     int        `json:"created"`
		Updated     int        `json:"updated"`
		Deleted     int        `json:"deleted"`
		Failed      int        `json:"failed"`
		Error       string     `json:"error,omitempty"`
	}
	out := make([]entry, 0, len(history))
	for _, hst := range history {
		e := entry{
			ID:        hst.ID,
			Direction: hst.Direction,
			Status:    hst.Status,
			StartedAt: hst.StartedAt,
			Created:   hst.Created,
			Updated:   hst.Updated,
			Deleted:   hst.Deleted,
			Failed:    hst.Failed,
			Error:     hst.ErrorMessage.String,
		}
		if hst.CompletedAt.Valid {
			t := hst.CompletedAt.Time
			e.CompletedAt = &t
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	conflicts, err := h.history.ListConflicts(r.Context(), limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if conflicts == nil {
		conflicts = []*store.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func paging(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware requires "Authorization: Bearer <token>" when a token is
// configured.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.authToken)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs each request through zap.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Log.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
