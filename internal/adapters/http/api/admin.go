package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/okian/partners/internal/domain/model"
)

type awardRequest struct {
	AchievementID string `json:"achievementId"`
	Reason        string `json:"reason"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

type setTierRequest struct {
	Tier             string `json:"tier"`
	Reason           string `json:"reason"`
	SkipRequirements bool   `json:"skipRequirements"`
}

type setTierResponse struct {
	PartnerID string                  `json:"partnerId"`
	Changed   bool                    `json:"changed"`
	Entry     *model.TierHistoryEntry `json:"entry,omitempty"`
}

// handleAwardAchievement handles POST /api/admin/partners/{id}/achievements.
// A new grant answers 201; a non-repeatable achievement already held answers
// 200 with granted=false.
func (s *Server) handleAwardAchievement(w http.ResponseWriter, r *http.Request) {
	var req awardRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	res, err := s.deps.AwardAchievement(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.AchievementID, req.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Granted {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// handleRevokeAchievement handles
// DELETE /api/admin/partners/{id}/achievements/{achievementId}. The reason
// comes from the JSON body or the reason query parameter.
func (s *Server) handleRevokeAchievement(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if req.Reason == "" {
		req.Reason = r.URL.Query().Get("reason")
	}
	g, err := s.deps.RevokeAchievement(r.Context(), actorFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "achievementId"), req.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleSetTier handles PUT /api/admin/partners/{id}/tier.
func (s *Server) handleSetTier(w http.ResponseWriter, r *http.Request) {
	var req setTierRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	id := chi.URLParam(r, "id")
	entry, err := s.deps.SetTier(r.Context(), actorFrom(r), id, model.Tier(strings.ToLower(strings.TrimSpace(req.Tier))), req.Reason, req.SkipRequirements)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setTierResponse{PartnerID: id, Changed: entry != nil, Entry: entry})
}

// handleAudit handles GET /api/admin/partners/{id}/audit.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	trail, err := s.deps.GetAuditTrail(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if trail == nil {
		trail = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, trail)
}
