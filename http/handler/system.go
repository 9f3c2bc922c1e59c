package handler

import (
	"net/http"
	"os"
	"runtime"
)

type SystemInfo struct {
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	GoVersion  string `json:"go_version"`
	PID        int    `json:"pid"`
	Goroutines int    `json:"goroutines"`
	Uptime     string `json:"uptime"`
}

func (api *API) RegisterSystemApi() {
	api.mux.HandleFunc("/api/system/info", api.handleSystemInfo)
	api.mux.HandleFunc("/api/version", api.handleVersion)
}

func (api *API) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, SystemInfo{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		GoVersion:  runtime.Version(),
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
		Uptime:     api.metrics.Snapshot().Uptime,
	})
}

func (api *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, api.version)
}
