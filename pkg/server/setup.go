package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all HTTP routes for the service.
func SetupRoutes(router *mux.Router, handler *Handler, hub *ProgressHub) {
	router.Use(corsMiddleware())

	api := router.PathPrefix("/v1").Subrouter()

	// Snapshot job control.
	api.HandleFunc("/monitoring/update", handler.HandleUpdate).Methods("POST")
	api.HandleFunc("/monitoring/jobs/latest", handler.HandleLatestJob).Methods("GET")
	api.HandleFunc("/monitoring/jobs/{id}", handler.HandleJobStatus).Methods("GET")

	// Dashboard data.
	api.HandleFunc("/monitoring/matrix", handler.HandleMatrix).Methods("GET")
	api.HandleFunc("/health", handler.HandleHealth).Methods("GET")

	// Live job progress stream.
	api.HandleFunc("/jobs/ws", hub.HandleWebSocket).Methods("GET")
}

// corsMiddleware opens the API to dashboard frontends. The service sits on a
// plant-internal network, so origins are not restricted.
func corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-None-Match")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
