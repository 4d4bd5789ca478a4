// Package server wires HTTP handlers into a ServeMux via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes. The metrics endpoint is added when the server has a collector and
// metrics are enabled.
func (s *SessionServer) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("/test", TestPageHandler)
	mux.HandleFunc("GET /rooms/{room}/messages", s.MessagesHandler)
	mux.HandleFunc("GET /rooms/{room}/users", s.UsersHandler)
	mux.HandleFunc("GET /stats", s.StatsHandler)
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		mux.Handle("GET "+s.cfg.Metrics.Path, s.metrics.Handler())
	}
	return mux
}
