package handler

import (
	"net/http"

	"skald/api/health"
)

type queueHealth struct {
	Status  string `json:"status"`
	Pending int    `json:"pending"`
	Error   string `json:"error,omitempty"`
}

// Health reports the local history queue and the latest dependency probes.
// A failed queue or critical dependency answers 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	services, ok := h.health.Snapshot()

	q := queueHealth{Status: "up"}
	if err := h.queue.Healthy(); err != nil {
		q.Status = "down"
		q.Error = err.Error()
		ok = false
	} else if n, err := h.queue.Pending(r.Context()); err == nil {
		q.Pending = n
	}

	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "unhealthy", http.StatusServiceUnavailable
	} else if degraded(services) {
		status = "degraded"
	}

	writeJSONStatus(w, code, map[string]interface{}{
		"status":   status,
		"queue":    q,
		"services": services,
	})
}

func degraded(services []health.Result) bool {
	for _, s := range services {
		if s.Status == "down" {
			return true
		}
	}
	return false
}

func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": h.version})
}
