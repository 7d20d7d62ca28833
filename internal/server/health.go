package server

import "net/http"

// handleHealth reports liveness and database reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "E_INTERNAL", "database unreachable", nil)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
