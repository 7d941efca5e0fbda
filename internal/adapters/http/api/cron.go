package api

import (
	"context"
	"net/http"
)

// handleRenewals handles POST /api/cron/renewals. A run already holding the
// lease answers 409. A client disconnect does not abort a started batch.
func (s *Server) handleRenewals(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cronTimeout)
	defer cancel()

	stats, err := s.deps.ProcessAllDueRenewals(ctx)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
