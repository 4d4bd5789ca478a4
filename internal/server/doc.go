// Package server implements the WebSocket and HTTP surface of the chat core.
//
// A SessionServer composes the connection registry, room router, presence
// coordinator and message gateway, and exposes them through a WebSocket
// endpoint speaking the JSON protocol of package protocol plus a few read-only
// HTTP endpoints. The implementation is organized into specialized files for
// policy, session management, clients, dispatch, routing and HTTP handlers.
package server
