package server

import (
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/jukasdrj/bookstrack-backend/internal/session"
)

// handleProgressSocket upgrades the progress WebSocket for a job. Auth and
// the single-socket guarantee live in the Session.
func (s *Server) handleProgressSocket(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "E_INVALID_REQUEST", "jobId query parameter is required", nil)
		return
	}

	sess, err := s.registry.Get(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "E_INTERNAL", "session lookup failed", nil)
		return
	}

	if err := sess.UpgradeSocket(w, r); err != nil {
		var ue *session.UpgradeError
		if errors.As(err, &ue) {
			respondError(w, ue.Status, ue.Code, ue.Message, nil)
			return
		}
		// The upgrader already answered the request.
		log.WithField("jobId", jobID).WithError(err).Warn("socket upgrade failed")
	}
}
