// Package server wires HTTP handlers into a ServeMux for the roomchat
// application via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
// It sets up handlers for health check, the WebSocket endpoint, and the room
// and identity listings.
func SetupRoutes(hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", hub.WebSocketHandler)
	mux.HandleFunc("/api/rooms", hub.RoomsHandler)
	mux.HandleFunc("/api/identities", hub.IdentitiesHandler)
	return mux
}
