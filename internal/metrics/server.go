package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the router serving metrics, health, readiness and stats.
func (m *MetricsManager) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Method(http.MethodGet, m.config.MetricsPath, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	r.Get(m.config.HealthPath, m.healthHandler)
	r.Get(m.config.ReadyPath, m.readyHandler)
	r.Get(m.config.StatsPath, m.statsHandler)

	return r
}

func (m *MetricsManager) healthHandler(w http.ResponseWriter, r *http.Request) {
	down := m.unhealthy()
	if len(down) == 0 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}

	m.logger.Debug("Components unhealthy", "components", down)
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status":    "unhealthy",
		"unhealthy": down,
	})
}

func (m *MetricsManager) readyHandler(w http.ResponseWriter, r *http.Request) {
	if m.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("NOT READY"))
}

func (m *MetricsManager) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"counters":       m.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
