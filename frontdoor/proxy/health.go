package proxy

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Port      int    `json:"port"`
}

// HealthHandler reports the front door itself as healthy. It never consults upstreams.
func HealthHandler(port int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(HealthResponse{
			Status:    "healthy",
			Message:   "PC Builder AI is running",
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Port:      port,
		})
	}
}
