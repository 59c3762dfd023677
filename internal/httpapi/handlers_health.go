package httpapi

import "net/http"

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz pings the database; a dead connection means the gateway
// cannot evaluate or persist anything, so readiness must fail.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "database handle unavailable", nil)
		return
	}
	if err := sqlDB.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "database ping failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
