// Package api exposes the partner program engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/okian/partners/internal/adapters/http/swagger"
	"github.com/okian/partners/internal/domain/achievement"
	"github.com/okian/partners/internal/domain/eligibility"
	"github.com/okian/partners/internal/domain/errs"
	"github.com/okian/partners/internal/domain/model"
	"github.com/okian/partners/internal/domain/rating"
	"github.com/okian/partners/internal/domain/renewal"
	"github.com/okian/partners/pkg/logger"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to the engine implementation.
type Dependencies interface {
	CreatePartner(ctx context.Context, actor model.Actor, id, name string) (model.Partner, error)
	GetPartner(ctx context.Context, id string) (model.Partner, error)

	LogRatingEvent(ctx context.Context, in rating.EventInput) (model.RatingEvent, bool, error)
	ListEvents(ctx context.Context, partnerID string, limit int) ([]model.RatingEvent, error)
	RecalculateAndUpdatePartner(ctx context.Context, partnerID, actorID string) (rating.Result, error)

	CalculateTierEligibility(ctx context.Context, partnerID string) (*eligibility.TierEligibility, error)
	GetNextTierRequirements(ctx context.Context, partnerID string) (*eligibility.NextTierRequirements, error)

	GetPartnerAchievements(ctx context.Context, partnerID string) (achievement.PartnerAchievements, error)
	AwardAchievement(ctx context.Context, actor model.Actor, partnerID, achievementID, reason string) (achievement.AwardResult, error)
	RevokeAchievement(ctx context.Context, actor model.Actor, partnerID, achievementID, reason string) (model.AchievementGrant, error)

	SetTier(ctx context.Context, actor model.Actor, partnerID string, target model.Tier, reason string, skipRequirements bool) (*model.TierHistoryEntry, error)
	GetTierHistory(ctx context.Context, partnerID string) ([]model.TierHistoryEntry, error)
	GetAuditTrail(ctx context.Context, actor model.Actor, partnerID string) ([]model.AuditEntry, error)

	ProcessAllDueRenewals(ctx context.Context) (renewal.Stats, error)

	Ping(ctx context.Context) error
	Stats() map[string]any
}

// Option applies a configuration option to the Server.
type Option func(*Server)

// WithCronSecret sets the bearer secret of the cron endpoint. An empty
// secret disables the endpoint.
func WithCronSecret(secret string) Option {
	return func(s *Server) {
		s.cronSecret = secret
	}
}

// WithCORSOrigins sets the origins allowed to call the API from a browser.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.corsOrigins = origins
		}
	}
}

// WithLogger sets a custom logger for the server.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRequestTimeout bounds the time a handler may run.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithCronTimeout bounds a cron-triggered renewal batch. It should match the
// renewal lease TTL.
func WithCronTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.cronTimeout = d
		}
	}
}

// Server wires HTTP routes for the engine.
type Server struct {
	deps        Dependencies
	cronSecret  string
	corsOrigins []string
	timeout     time.Duration
	cronTimeout time.Duration
	logger      logger.Logger
}

// NewServer creates a new API server.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{
		deps:        deps,
		corsOrigins: []string{"http://localhost:5173"},
		timeout:     60 * time.Second,
		cronTimeout: 15 * time.Minute,
		logger:      logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router with all routes and middleware attached.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", headerActorID, headerActorRole},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metricsHandler())
	swagger.Register(r)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))

			r.Route("/partners", func(r chi.Router) {
				r.With(requireActor).Post("/", s.handleCreatePartner)
				r.Get("/{id}", s.handleGetPartner)
				r.Post("/{id}/events", s.handleLogEvent)
				r.Get("/{id}/events", s.handleListEvents)
				r.Post("/{id}/recalculate", s.handleRecalculate)
				r.Get("/{id}/eligibility", s.handleEligibility)
				r.Get("/{id}/next-tier", s.handleNextTier)
				r.Get("/{id}/achievements", s.handleListAchievements)
				r.Get("/{id}/history", s.handleHistory)
			})

			r.Route("/admin/partners/{id}", func(r chi.Router) {
				r.Use(requireActor)
				r.Post("/achievements", s.handleAwardAchievement)
				r.Delete("/achievements/{achievementId}", s.handleRevokeAchievement)
				r.Put("/tier", s.handleSetTier)
				r.Get("/audit", s.handleAudit)
			})
		})

		// The renewal batch outlives the request timeout; it is bounded by cronTimeout.
		r.With(s.requireCronSecret).Post("/cron/renewals", s.handleRenewals)
	})
	return r
}

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeDomainError maps a classified engine error to its HTTP status.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, renewal.ErrRunInProgress):
		writeError(w, http.StatusConflict, "run_in_progress", err)
	case errs.Is(err, errs.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", err)
	case errs.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errs.Is(err, errs.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err)
	case errs.Is(err, errs.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err)
	default:
		s.logger.Error(r.Context(), "request failed",
			logger.String("path", r.URL.Path),
			logger.String("request_id", middleware.GetReqID(r.Context())),
			logger.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal", errors.New("internal error"))
	}
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}
