package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/models"
	"github.com/ternarybob/migro/internal/queue"
	"github.com/ternarybob/migro/internal/validation"
)

// MigrationHandler accepts migration and validation requests and hands them
// to the planner and the validation engine. All accept responses are 202:
// the work itself runs on the queues.
type MigrationHandler struct {
	planner    *queue.Planner
	validation *validation.Engine
	validate   *validator.Validate
	logger     arbor.ILogger
}

// NewMigrationHandler creates the migration request handler.
func NewMigrationHandler(planner *queue.Planner, validationEngine *validation.Engine, logger arbor.ILogger) *MigrationHandler {
	return &MigrationHandler{
		planner:    planner,
		validation: validationEngine,
		validate:   validator.New(),
		logger:     logger,
	}
}

// metadataRequest is the metadata-download request body.
type metadataRequest struct {
	MetadataSource         models.MetadataSource `json:"metadataSource"`
	SelectedDashboards     []string              `json:"selectedDashboards"`
	SelectedVisualizations []string              `json:"selectedVisualizations"`
	SelectedMaps           []string              `json:"selectedMaps"`
}

// dataRequest is the data-download / data-delete request body.
type dataRequest struct {
	DataItemsConfigIDs []string             `json:"dataItemsConfigIds" validate:"required,min=1"`
	RuntimeConfig      models.RuntimeConfig `json:"runtimeConfig"`
	IsDelete           bool                 `json:"isDelete"`
}

// MetadataDownloadHandler plans a metadata download.
// POST /metadata-download/{configId}, or GET with query parameters.
func (h *MigrationHandler) MetadataDownloadHandler(w http.ResponseWriter, r *http.Request) {
	configID := PathSuffix(r, "/metadata-download")
	if configID == "" {
		WriteError(w, http.StatusBadRequest, "configId is required")
		return
	}

	var req metadataRequest
	switch r.Method {
	case http.MethodPost:
		if err := DecodeBody(r, &req); err != nil {
			WriteErr(w, err)
			return
		}
	case http.MethodGet:
		var err error
		req.MetadataSource = models.MetadataSource(r.URL.Query().Get("metadataSource"))
		if req.SelectedDashboards, err = QueryJSONArray(r, "selectedDashboards"); err != nil {
			WriteErr(w, err)
			return
		}
		if req.SelectedVisualizations, err = QueryJSONArray(r, "selectedVisualizations"); err != nil {
			WriteErr(w, err)
			return
		}
		if req.SelectedMaps, err = QueryJSONArray(r, "selectedMaps"); err != nil {
			WriteErr(w, err)
			return
		}
	default:
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	selection := queue.MetadataSelection{
		Dashboards:     req.SelectedDashboards,
		Visualizations: req.SelectedVisualizations,
		Maps:           req.SelectedMaps,
		Source:         req.MetadataSource,
	}
	if _, err := h.planner.PlanMetadataDownload(r.Context(), configID, selection); err != nil {
		WriteErr(w, err)
		return
	}

	WriteSuccess(w, http.StatusAccepted, map[string]interface{}{
		"message":    "metadata download queued",
		"configId":   configID,
		"totalItems": selection.TotalItems(),
		"status":     "processing",
	})
}

// DataDownloadHandler plans a data download.
// POST /data-download/{configId}, or GET with query parameters.
func (h *MigrationHandler) DataDownloadHandler(w http.ResponseWriter, r *http.Request) {
	h.handleDataPlan(w, r, "/data-download", false)
}

// DataDeleteHandler plans a data deletion.
// POST /data-delete/{configId}, or GET with query parameters.
func (h *MigrationHandler) DataDeleteHandler(w http.ResponseWriter, r *http.Request) {
	h.handleDataPlan(w, r, "/data-delete", true)
}

func (h *MigrationHandler) handleDataPlan(w http.ResponseWriter, r *http.Request, prefix string, isDelete bool) {
	configID := PathSuffix(r, prefix)
	if configID == "" {
		WriteError(w, http.StatusBadRequest, "configId is required")
		return
	}

	var req dataRequest
	switch r.Method {
	case http.MethodPost:
		if err := DecodeBody(r, &req); err != nil {
			WriteErr(w, err)
			return
		}
	case http.MethodGet:
		var err error
		if req.DataItemsConfigIDs, err = QueryJSONArray(r, "dataItemsConfigIds"); err != nil {
			WriteErr(w, err)
			return
		}
		if req.RuntimeConfig.Periods, err = QueryJSONArray(r, "periods"); err != nil {
			WriteErr(w, err)
			return
		}
		req.RuntimeConfig.PageSize = QueryInt(r, "pageSize", 0)
		req.RuntimeConfig.TimeoutMS = QueryInt(r, "timeout", 0)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := h.planner.PlanData(r.Context(), configID, req.DataItemsConfigIDs, &req.RuntimeConfig, isDelete || req.IsDelete)
	if err != nil {
		WriteErr(w, err)
		return
	}

	WriteSuccess(w, http.StatusAccepted, map[string]interface{}{
		"message":    "data plan queued",
		"configId":   configID,
		"jobsQueued": len(jobs),
		"status":     "processing",
	})
}

// DataValidationHandler starts a validation run.
// POST /data-validation/{configId}.
func (h *MigrationHandler) DataValidationHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	configID := PathSuffix(r, "/data-validation")
	if configID == "" {
		WriteError(w, http.StatusBadRequest, "configId is required")
		return
	}

	var req validation.Request
	if err := DecodeBody(r, &req); err != nil {
		WriteErr(w, err)
		return
	}
	req.ConfigID = configID
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.validation.Start(r.Context(), req)
	if err != nil {
		WriteErr(w, err)
		return
	}

	snapshot := session.Snapshot()
	WriteSuccess(w, http.StatusAccepted, map[string]interface{}{
		"message":   "validation started",
		"configId":  configID,
		"sessionId": snapshot.SessionID,
		"status":    "processing",
	})
}
