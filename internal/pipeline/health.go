package pipeline

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/cold"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/hot"
)

// Aggregator collects the per-venue HealthSnapshot plus the two storage
// sinks' degraded signals into one /healthz response: overall status
// derived from per-component checks, JSON response, 503 when
// unhealthy.
type Aggregator struct {
	adapters  map[string]VenueAdapter
	hotStore  *hot.Store
	coldStore *cold.Writer
	startedAt time.Time
}

// NewAggregator creates a health Aggregator bound to the pipeline's
// adapters and storage sinks.
func NewAggregator(adapters map[string]VenueAdapter, hotStore *hot.Store, coldStore *cold.Writer) *Aggregator {
	return &Aggregator{adapters: adapters, hotStore: hotStore, coldStore: coldStore, startedAt: time.Now()}
}

// Response is the /healthz payload.
type Response struct {
	Status          string                          `json:"status"` // healthy, degraded, unhealthy
	UptimeSeconds   float64                         `json:"uptime_seconds"`
	Venues          map[string]model.HealthSnapshot `json:"venues"`
	HotStoreDegraded  bool                          `json:"hot_store_degraded"`
	ColdQueueDepth    int64                         `json:"cold_store_queue_depth"`
}

// Gather builds the current health Response.
func (a *Aggregator) Gather() Response {
	venues := make(map[string]model.HealthSnapshot, len(a.adapters))
	unhealthyCount := 0
	for name, adapter := range a.adapters {
		h := adapter.Health()
		venues[name] = h
		if h.Status == model.HealthDisconnected || h.Status == model.HealthDegraded {
			unhealthyCount++
		}
	}

	resp := Response{
		UptimeSeconds:    time.Since(a.startedAt).Seconds(),
		Venues:           venues,
		HotStoreDegraded: a.hotStore.Degraded(),
		ColdQueueDepth:   a.coldStore.QueueDepth(),
	}

	switch {
	case unhealthyCount == len(a.adapters) && len(a.adapters) > 0:
		resp.Status = "unhealthy"
	case unhealthyCount > 0 || resp.HotStoreDegraded || resp.ColdQueueDepth > 0:
		resp.Status = "degraded"
	default:
		resp.Status = "healthy"
	}
	return resp
}

// ServeHTTP implements the /healthz endpoint.
func (a *Aggregator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := a.Gather()
	w.Header().Set("Content-Type", "application/json")
	switch resp.Status {
	case "healthy", "degraded":
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
