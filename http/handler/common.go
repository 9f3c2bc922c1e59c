package handler

import (
	"encoding/json"
	"net/http"

	"github.com/daniellavrushin/b4tun/config"
	"github.com/daniellavrushin/b4tun/log"
	"github.com/daniellavrushin/b4tun/metrics"
)

func NewAPIHandler(store *config.Store, m *metrics.Collector, version VersionInfo) *API {
	return &API{
		store:   store,
		metrics: m,
		prom:    metrics.NewPrometheusCollector(m),
		version: version,
	}
}

func (api *API) RegisterEndpoints(mux *http.ServeMux) {
	api.mux = mux

	api.RegisterConfigApi()
	api.RegisterMetricsApi()
	api.RegisterSystemApi()
}

func setJsonHeader(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	setJsonHeader(w)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Tracef("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Success: false, Error: msg})
}
