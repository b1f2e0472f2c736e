package health

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// Status is the body of a /health response.
type Status struct {
	Healthy bool `json:"healthy"`
	// Error of every failing checker by checker name
	Failures map[string]string `json:"failures,omitempty"`
}

// Handler serves the status of a MultiChecker. Any failing checker makes the replica unhealthy
// and is named in the response.
type Handler struct {
	checker *MultiChecker
}

func NewHandler(checker *MultiChecker) *Handler {
	return &Handler{checker: checker}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := Status{Healthy: true}
	code := http.StatusOK
	if failures := h.checker.Failures(); len(failures) > 0 {
		status.Healthy = false
		status.Failures = make(map[string]string, len(failures))
		for name, err := range failures {
			status.Failures[name] = err.Error()
		}
		code = http.StatusServiceUnavailable
		log.WithField("failures", status.Failures).Warn("Jobs scheduler replica is unhealthy")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.WithError(err).Error("Unable to write health response")
	}
}

// Mux serves the status of checker at /health.
func Mux(checker *MultiChecker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", NewHandler(checker))
	return mux
}
