// Package api exposes the operational HTTP surface: health probes, metrics,
// plugin administration endpoints and the chat gateway websocket mount. Chat
// commands remain the primary interface; this server exists for automation
// and monitoring.
package api
