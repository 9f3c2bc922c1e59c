package handler

import (
	"net/http"

	"github.com/daniellavrushin/b4tun/config"
	"github.com/daniellavrushin/b4tun/metrics"
)

type API struct {
	store   *config.Store
	metrics *metrics.Collector
	prom    *metrics.PrometheusCollector
	version VersionInfo
	mux     *http.ServeMux
}

// ConfigResponse wraps the active configuration.
type ConfigResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Config  *config.Config `json:"config"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}
