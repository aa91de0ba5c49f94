package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
	"github.com/Cypherspark/campaign-dispatch/internal/dispatch"
	"github.com/Cypherspark/campaign-dispatch/internal/tracking"
)

// Engine is the control plane the handlers drive; *dispatch.Engine implements it.
type Engine interface {
	StartCampaign(ctx context.Context, id string) error
	PauseCampaign(ctx context.Context, id string) error
	ResumeCampaign(ctx context.Context, id string) error
	CancelCampaign(ctx context.Context, id string) error
	CampaignStatus(ctx context.Context, id string) (*core.Campaign, error)
	RecordOpen(ctx context.Context, campaignID, emailID string) bool
	RecordDelivered(ctx context.Context, campaignID, emailID string) (bool, error)
	RecordReply(ctx context.Context, campaignID, emailID string) (bool, error)
	RecordBounce(ctx context.Context, campaignID, emailID, reason string) (bool, error)
}

// Check is one readiness probe.
type Check func(ctx context.Context) error

type Server struct {
	Engine Engine
	Checks map[string]Check
	Log    *zap.Logger
}

func NewServer(engine Engine, checks map[string]Check, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{Engine: engine, Checks: checks, Log: log.With(zap.String("component", "http"))}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer, instrument)

	s.mountOps(r)

	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Get("/", s.getCampaign)
		r.Post("/start", s.lifecycle("start", s.Engine.StartCampaign))
		r.Post("/pause", s.lifecycle("pause", s.Engine.PauseCampaign))
		r.Post("/resume", s.lifecycle("resume", s.Engine.ResumeCampaign))
		r.Post("/cancel", s.lifecycle("cancel", s.Engine.CancelCampaign))
	})
	r.Get("/t/open/{campaignID}/{pixel}", s.openPixel)
	r.Post("/webhooks/delivery", s.deliveryWebhook)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error taxonomy onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		se *core.StateError
		pe *core.PreconditionError
	)
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.As(err, &pe):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": pe.Code})
	case errors.As(err, &se):
		writeJSON(w, http.StatusConflict, map[string]string{"error": se.Code, "status": string(se.From)})
	case errors.Is(err, dispatch.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutting_down"})
	default:
		s.Log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	}
}

func (s *Server) lifecycle(op string, fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(r.Context(), id); err != nil {
			s.Log.Info("lifecycle rejected", zap.String("op", op), zap.String("campaign_id", id), zap.Error(err))
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.Engine.CampaignStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// openPixel always answers with the GIF; tracking problems stay server-side.
func (s *Server) openPixel(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	emailID := strings.TrimSuffix(chi.URLParam(r, "pixel"), ".gif")
	if campaignID != "" && emailID != "" {
		s.Engine.RecordOpen(r.Context(), campaignID, emailID)
	}
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(tracking.Pixel())
}

type deliveryEvent struct {
	Event      string `json:"event"` // delivered | bounce | reply
	CampaignID string `json:"campaign_id"`
	EmailID    string `json:"email_id"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) deliveryWebhook(w http.ResponseWriter, r *http.Request) {
	var in deliveryEvent
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.CampaignID == "" || in.EmailID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	var (
		applied bool
		err     error
	)
	switch in.Event {
	case "delivered":
		applied, err = s.Engine.RecordDelivered(r.Context(), in.CampaignID, in.EmailID)
	case "bounce":
		applied, err = s.Engine.RecordBounce(r.Context(), in.CampaignID, in.EmailID, in.Reason)
	case "reply":
		applied, err = s.Engine.RecordReply(r.Context(), in.CampaignID, in.EmailID)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown_event"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "applied": applied})
}
