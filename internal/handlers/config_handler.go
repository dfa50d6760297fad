package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/interfaces"
)

// ConfigHandler serves read-only views of the migration configs so
// operators can inspect what the planner will use.
// GET /configs and GET /configs/{id}.
type ConfigHandler struct {
	configs interfaces.ConfigStorage
	logger  arbor.ILogger
}

// NewConfigHandler creates the config read handler.
func NewConfigHandler(configs interfaces.ConfigStorage, logger arbor.ILogger) *ConfigHandler {
	return &ConfigHandler{configs: configs, logger: logger}
}

// Handle dispatches /configs and /configs/{id}.
func (h *ConfigHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	id := PathSuffix(r, "/configs")
	if id == "" {
		configs, err := h.configs.List(r.Context())
		if err != nil {
			WriteErr(w, err)
			return
		}
		WriteSuccess(w, http.StatusOK, map[string]interface{}{
			"configs": configs,
			"count":   len(configs),
		})
		return
	}

	config, err := h.configs.Get(r.Context(), id)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"config": config,
	})
}
