package handler

import (
	"encoding/json"
	"net/http"

	"github.com/daniellavrushin/b4tun/config"
	"github.com/daniellavrushin/b4tun/log"
)

func (api *API) RegisterConfigApi() {
	api.mux.HandleFunc("/api/config", api.handleConfig)
	api.mux.HandleFunc("/api/config/reset", api.resetConfig)
}

func (api *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, ConfigResponse{Success: true, Config: api.store.Snapshot()})
	case http.MethodPut:
		api.updateConfig(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// updateConfig applies a full or partial configuration on top of the
// current one. Fields missing from the body keep their values.
func (api *API) updateConfig(w http.ResponseWriter, r *http.Request) {
	cur := api.store.Snapshot()
	next := cur.Clone()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(next); err != nil {
		log.Errorf("Failed to decode config update: %v", err)
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	next.ConfigPath = cur.ConfigPath

	if err := api.store.Update(next); err != nil {
		log.Errorf("Rejected config update: %v", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := api.save(); err != nil {
		writeError(w, http.StatusInternalServerError, "configuration applied but not saved")
		return
	}

	log.Infof("Configuration updated via API")
	api.metrics.RecordEvent("info", "Configuration updated via API")
	writeJSON(w, http.StatusOK, ConfigResponse{
		Success: true,
		Message: "Configuration updated successfully",
		Config:  api.store.Snapshot(),
	})
}

func (api *API) resetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	log.Infof("Config reset requested")
	cur := api.store.Snapshot()
	def := config.NewConfig()
	def.ConfigPath = cur.ConfigPath
	// keep the endpoint reachable at the same address
	def.System.WebServer = cur.System.WebServer

	if err := api.store.Update(&def); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := api.save(); err != nil {
		writeError(w, http.StatusInternalServerError, "configuration reset but not saved")
		return
	}
	writeJSON(w, http.StatusOK, ConfigResponse{
		Success: true,
		Message: "Configuration reset to defaults",
		Config:  api.store.Snapshot(),
	})
}

func (api *API) save() error {
	cfg := api.store.Snapshot()
	if cfg.ConfigPath == "" {
		return nil
	}
	if err := cfg.SaveToFile(cfg.ConfigPath); err != nil {
		return log.Errorf("Failed to save config to %s: %v", cfg.ConfigPath, err)
	}
	return nil
}
