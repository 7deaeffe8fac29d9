package api

import (
	"net/http"
)

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{"store": "healthy"}

	status := http.StatusOK
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		services["store"] = "unhealthy: " + err.Error()
		status = http.StatusServiceUnavailable
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}

	writeJSON(w, status, map[string]interface{}{
		"status":   overall,
		"services": services,
	})
}
