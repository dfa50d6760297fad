package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Migration triggers
	mux.HandleFunc("/metadata-download/", s.app.MigrationHandler.MetadataDownloadHandler)
	mux.HandleFunc("/data-download/", s.app.MigrationHandler.DataDownloadHandler)
	mux.HandleFunc("/data-delete/", s.app.MigrationHandler.DataDeleteHandler)

	// Validation: POST starts a session, GET reads the latest result
	mux.HandleFunc("/data-validation/", s.handleValidationRoutes)

	// Queue family lifecycle and inspection
	mux.HandleFunc("/queues/", s.app.QueueHandler.Handle)
	mux.HandleFunc("/status/", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/failed-queue/", s.app.FailedHandler.Handle)
	mux.HandleFunc("/retry/", s.app.FailedHandler.RetryHandler)

	// Config inspection
	mux.HandleFunc("/configs", s.app.ConfigHandler.Handle)
	mux.HandleFunc("/configs/", s.app.ConfigHandler.Handle)

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// System
	mux.HandleFunc("/info", s.app.APIHandler.InfoHandler)
	mux.HandleFunc("/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched routes
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleValidationRoutes routes /data-validation/{configId} requests.
func (s *Server) handleValidationRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.app.MigrationHandler.DataValidationHandler(w, r)
	case http.MethodGet:
		s.app.StatusHandler.GetValidationHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
