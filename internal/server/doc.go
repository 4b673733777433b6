// Package server implements the session gateway of roomchat: the HTTP and
// WebSocket surface that turns client frames into broker operations and
// broker signals back into frames.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, event dispatch, routing, and HTTP handlers.
package server
