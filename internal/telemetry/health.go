package telemetry

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthSource exposes the live connectivity state for the health endpoint.
type HealthSource interface {
	UpstreamConnections() int
	ClientQueueDepths() map[string]int
}

type healthResponse struct {
	Status            string         `json:"status"`
	UpstreamConnected int            `json:"upstream_connected"`
	Clients           int            `json:"clients"`
	ClientQueueDepths map[string]int `json:"client_queue_depths"`
}

// Mount attaches /healthz and /metrics to the router.
func Mount(r chi.Router, src HealthSource) {
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		depths := src.ClientQueueDepths()
		resp := healthResponse{
			Status:            "ok",
			UpstreamConnected: src.UpstreamConnections(),
			Clients:           len(depths),
			ClientQueueDepths: depths,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
}
