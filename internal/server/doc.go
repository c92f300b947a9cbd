// Package server implements the WebSocket chat relay: the Hub that tracks
// room membership and fans out events, the per-connection Client pumps, and
// the HTTP handlers, routes and server lifecycle around them.
//
// The implementation is organized into specialized files for configuration, hub
// management, clients, routing, and HTTP handlers.
package server
