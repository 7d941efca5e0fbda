package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/okian/partners/internal/domain/model"
	"github.com/okian/partners/internal/domain/rating"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

type createPartnerRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type logEventRequest struct {
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotencyKey"`
	OccurredAt     string         `json:"occurredAt"`
}

type logEventResponse struct {
	Status    string            `json:"status"`
	Duplicate bool              `json:"duplicate"`
	Event     model.RatingEvent `json:"event"`
}

type topTierResponse struct {
	PartnerID string `json:"partnerId"`
	TopTier   bool   `json:"topTier"`
}

// handleCreatePartner handles POST /api/partners.
func (s *Server) handleCreatePartner(w http.ResponseWriter, r *http.Request) {
	var req createPartnerRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	p, err := s.deps.CreatePartner(r.Context(), actorFrom(r), req.ID, req.Name)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// handleGetPartner handles GET /api/partners/{id}.
func (s *Server) handleGetPartner(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.GetPartner(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleLogEvent handles POST /api/partners/{id}/events. The append is
// durable when 202 is returned; recompute runs in the background.
func (s *Server) handleLogEvent(w http.ResponseWriter, r *http.Request) {
	var req logEventRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	in := rating.EventInput{
		PartnerID:      chi.URLParam(r, "id"),
		ActorID:        actorFrom(r).ID,
		Type:           model.EventType(strings.TrimSpace(req.Type)),
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if req.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: occurredAt must be RFC3339", ErrBadRequest))
			return
		}
		in.OccurredAt = t
	}
	ev, appended, err := s.deps.LogRatingEvent(r.Context(), in)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, logEventResponse{Status: "accepted", Duplicate: !appended, Event: ev})
}

// handleListEvents handles GET /api/partners/{id}/events?limit=N.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: limit must be a positive integer", ErrBadRequest))
			return
		}
		limit = min(n, maxEventLimit)
	}
	evs, err := s.deps.ListEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if evs == nil {
		evs = []model.RatingEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// handleRecalculate handles POST /api/partners/{id}/recalculate.
func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.RecalculateAndUpdatePartner(r.Context(), chi.URLParam(r, "id"), actorFrom(r).ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleEligibility handles GET /api/partners/{id}/eligibility.
func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.deps.CalculateTierEligibility(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if e == nil {
		writeJSON(w, http.StatusOK, topTierResponse{PartnerID: id, TopTier: true})
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleNextTier handles GET /api/partners/{id}/next-tier.
func (s *Server) handleNextTier(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.deps.GetNextTierRequirements(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if n == nil {
		writeJSON(w, http.StatusOK, topTierResponse{PartnerID: id, TopTier: true})
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// handleListAchievements handles GET /api/partners/{id}/achievements.
func (s *Server) handleListAchievements(w http.ResponseWriter, r *http.Request) {
	pa, err := s.deps.GetPartnerAchievements(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pa)
}

// handleHistory handles GET /api/partners/{id}/history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.deps.GetTierHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if h == nil {
		h = []model.TierHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, h)
}
