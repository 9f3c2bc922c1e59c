package handler

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (api *API) RegisterMetricsApi() {
	api.mux.HandleFunc("/api/metrics", api.handleMetrics)
	api.mux.Handle("/metrics", promhttp.HandlerFor(api.prom.Registry(), promhttp.HandlerOpts{}))
}

func (api *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, api.metrics.Snapshot())
}
